package dto

import (
	"time"

	"github.com/nearzoom/image-processor/internal/domain"
	"github.com/nearzoom/image-processor/internal/service"
)

type FaceRefDTO struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

type EditParamsDTO struct {
	Type              string  `json:"type" binding:"required"`
	Prompt            string  `json:"prompt,omitempty"`
	Color             string  `json:"color,omitempty"`
	UseFaceMask       bool    `json:"use_face_mask,omitempty"`
	MaskFeatherPixels int     `json:"mask_feather_pixels,omitempty"`
	FaceExpandRatio   float64 `json:"face_expand_ratio,omitempty"`
}

type SwapParamsDTO struct {
	Mapping   string  `json:"mapping,omitempty"`
	Top1Only  bool    `json:"top1_only,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

type CreateJobRequest struct {
	Mode       string         `json:"mode" binding:"required"`
	InputURL   string         `json:"input_url" binding:"required"`
	Faces      []FaceRefDTO   `json:"faces,omitempty"`
	Edit       *EditParamsDTO `json:"edit,omitempty"`
	Swap       *SwapParamsDTO `json:"swap,omitempty"`
	ExifStrip  bool           `json:"exif_strip,omitempty"`
	WebhookURL string         `json:"webhook_url,omitempty"`
}

// CreateEditJobRequest is the dedicated edit-only submission shape.
type CreateEditJobRequest struct {
	InputURL   string        `json:"input_url" binding:"required"`
	Edit       EditParamsDTO `json:"edit" binding:"required"`
	ExifStrip  bool          `json:"exif_strip,omitempty"`
	WebhookURL string        `json:"webhook_url,omitempty"`
}

// CreateSwapJobRequest is the dedicated swap-only submission shape.
type CreateSwapJobRequest struct {
	InputURL   string         `json:"input_url" binding:"required"`
	Faces      []FaceRefDTO   `json:"faces" binding:"required"`
	Swap       *SwapParamsDTO `json:"swap,omitempty"`
	ExifStrip  bool           `json:"exif_strip,omitempty"`
	WebhookURL string         `json:"webhook_url,omitempty"`
}

type ListJobsRequest struct {
	Mode     string `form:"mode"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type EventDTO struct {
	Name string `json:"name"`
	At   string `json:"at"`
}

type JobDTO struct {
	JobID        string     `json:"job_id"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	InputURL     string     `json:"input_url"`
	Degraded     bool       `json:"degraded,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	Error        string     `json:"error,omitempty"`
	WebhookState string     `json:"webhook_state,omitempty"`
	Events       []EventDTO `json:"events,omitempty"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
}

type QueueStatusResponse struct {
	SwapQueueDepth   int    `json:"swap_queue_depth"`
	SwapCurrentJobID string `json:"swap_current_job_id,omitempty"`
	ActivePipelines  int    `json:"active_pipelines"`
}

// ToSubmitRequest converts the generic creation payload.
func (r CreateJobRequest) ToSubmitRequest() service.SubmitRequest {
	return service.SubmitRequest{
		Mode:       domain.Mode(r.Mode),
		InputURL:   r.InputURL,
		Faces:      toFaceRefs(r.Faces),
		WebhookURL: r.WebhookURL,
		Params: domain.Params{
			Edit:      toEditParams(r.Edit),
			Swap:      toSwapParams(r.Swap),
			ExifStrip: r.ExifStrip,
		},
	}
}

// ToSubmitRequest pins the mode to edit_only.
func (r CreateEditJobRequest) ToSubmitRequest() service.SubmitRequest {
	edit := r.Edit
	return service.SubmitRequest{
		Mode:       domain.ModeEditOnly,
		InputURL:   r.InputURL,
		WebhookURL: r.WebhookURL,
		Params: domain.Params{
			Edit:      toEditParams(&edit),
			ExifStrip: r.ExifStrip,
		},
	}
}

// ToSubmitRequest pins the mode to swap_only.
func (r CreateSwapJobRequest) ToSubmitRequest() service.SubmitRequest {
	return service.SubmitRequest{
		Mode:       domain.ModeSwapOnly,
		InputURL:   r.InputURL,
		Faces:      toFaceRefs(r.Faces),
		WebhookURL: r.WebhookURL,
		Params: domain.Params{
			Swap:      toSwapParams(r.Swap),
			ExifStrip: r.ExifStrip,
		},
	}
}

// FromJob maps a domain job (and optionally its events) onto the wire
// shape.
func FromJob(job *domain.Job, events []domain.Event) JobDTO {
	out := JobDTO{
		JobID:        job.ID,
		Mode:         string(job.Mode),
		Status:       string(job.Status),
		Progress:     job.Progress,
		InputURL:     job.InputURL,
		Degraded:     job.Degraded,
		ResultURL:    job.ResultURL,
		Error:        job.Error,
		WebhookState: string(job.WebhookState),
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range events {
		out.Events = append(out.Events, EventDTO{
			Name: e.Name,
			At:   e.At.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func toFaceRefs(in []FaceRefDTO) []domain.FaceRef {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.FaceRef, len(in))
	for i, f := range in {
		out[i] = domain.FaceRef{ID: f.ID, URL: f.URL}
	}
	return out
}

func toEditParams(in *EditParamsDTO) *domain.EditParams {
	if in == nil {
		return nil
	}
	return &domain.EditParams{
		Type:              domain.EditType(in.Type),
		Prompt:            in.Prompt,
		Color:             in.Color,
		UseFaceMask:       in.UseFaceMask,
		MaskFeatherPixels: in.MaskFeatherPixels,
		FaceExpandRatio:   in.FaceExpandRatio,
	}
}

func toSwapParams(in *SwapParamsDTO) *domain.SwapParams {
	if in == nil {
		return nil
	}
	return &domain.SwapParams{
		Mapping:   in.Mapping,
		Top1Only:  in.Top1Only,
		Threshold: in.Threshold,
	}
}
