package registry

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Kind identifies a well-known job type. Its value is the queue name.
type Kind string

const (
	KindVideoProcessing      Kind = "video-processing"
	KindContentGeneration    Kind = "content-generation"
	KindEmail                Kind = "email"
	KindTranscriptGeneration Kind = "transcript-generation"
	KindSocialPosting        Kind = "social-posting"
	KindScheduledPost        Kind = "scheduled-posts"
	KindAnalytics            Kind = "analytics"
	KindFileProcessing       Kind = "file-processing"
)

// Kinds lists every job kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindVideoProcessing,
		KindContentGeneration,
		KindEmail,
		KindTranscriptGeneration,
		KindSocialPosting,
		KindScheduledPost,
		KindAnalytics,
		KindFileProcessing,
	}
}

// Queue returns the queue the kind is routed to.
func (k Kind) Queue() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVideoProcessing, KindContentGeneration, KindEmail, KindTranscriptGeneration,
		KindSocialPosting, KindScheduledPost, KindAnalytics, KindFileProcessing:
		return true
	}
	return false
}

// Payload is implemented by every job payload type.
type Payload interface {
	Kind() Kind
	// Owner is the user the job is attributed to; may be empty for system jobs.
	Owner() string
	Validate() error
}

type VideoProcessingPayload struct {
	VideoID      string   `json:"video_id"`
	UserID       string   `json:"user_id"`
	SourceURL    string   `json:"source_url"`
	Operations   []string `json:"operations,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

func (VideoProcessingPayload) Kind() Kind      { return KindVideoProcessing }
func (p VideoProcessingPayload) Owner() string { return p.UserID }
func (p VideoProcessingPayload) Validate() error {
	return requireFields(p.Kind(), "video_id", p.VideoID, "source_url", p.SourceURL)
}

type ContentGenerationPayload struct {
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	ContentType string `json:"content_type"`
	Tone        string `json:"tone,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

func (ContentGenerationPayload) Kind() Kind      { return KindContentGeneration }
func (p ContentGenerationPayload) Owner() string { return p.UserID }
func (p ContentGenerationPayload) Validate() error {
	return requireFields(p.Kind(), "prompt", p.Prompt, "content_type", p.ContentType)
}

type EmailPayload struct {
	UserID   string         `json:"user_id,omitempty"`
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

func (EmailPayload) Kind() Kind      { return KindEmail }
func (p EmailPayload) Owner() string { return p.UserID }
func (p EmailPayload) Validate() error {
	return requireFields(p.Kind(), "to", p.To, "template", p.Template)
}

type TranscriptGenerationPayload struct {
	VideoID  string `json:"video_id"`
	UserID   string `json:"user_id"`
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
}

func (TranscriptGenerationPayload) Kind() Kind      { return KindTranscriptGeneration }
func (p TranscriptGenerationPayload) Owner() string { return p.UserID }
func (p TranscriptGenerationPayload) Validate() error {
	return requireFields(p.Kind(), "video_id", p.VideoID, "audio_url", p.AudioURL)
}

type SocialPostingPayload struct {
	PostID    string   `json:"post_id"`
	UserID    string   `json:"user_id"`
	Platforms []string `json:"platforms"`
	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

func (SocialPostingPayload) Kind() Kind      { return KindSocialPosting }
func (p SocialPostingPayload) Owner() string { return p.UserID }
func (p SocialPostingPayload) Validate() error {
	if len(p.Platforms) == 0 {
		return fmt.Errorf("%w: %s requires at least one platform", ErrInvalidPayload, p.Kind())
	}
	return requireFields(p.Kind(), "post_id", p.PostID)
}

type ScheduledPostPayload struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Platforms []string  `json:"platforms"`
	PublishAt time.Time `json:"publish_at"`
}

func (ScheduledPostPayload) Kind() Kind      { return KindScheduledPost }
func (p ScheduledPostPayload) Owner() string { return p.UserID }
func (p ScheduledPostPayload) Validate() error {
	if p.PublishAt.IsZero() {
		return fmt.Errorf("%w: %s requires publish_at", ErrInvalidPayload, p.Kind())
	}
	return requireFields(p.Kind(), "post_id", p.PostID)
}

type AnalyticsPayload struct {
	UserID string    `json:"user_id,omitempty"`
	Report string    `json:"report"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

func (AnalyticsPayload) Kind() Kind      { return KindAnalytics }
func (p AnalyticsPayload) Owner() string { return p.UserID }
func (p AnalyticsPayload) Validate() error {
	if !p.From.IsZero() && !p.To.IsZero() && p.To.Before(p.From) {
		return fmt.Errorf("%w: %s range ends before it starts", ErrInvalidPayload, p.Kind())
	}
	return requireFields(p.Kind(), "report", p.Report)
}

type FileProcessingPayload struct {
	FileID     string   `json:"file_id"`
	UserID     string   `json:"user_id"`
	Path       string   `json:"path"`
	MimeType   string   `json:"mime_type,omitempty"`
	Operations []string `json:"operations,omitempty"`
}

func (FileProcessingPayload) Kind() Kind      { return KindFileProcessing }
func (p FileProcessingPayload) Owner() string { return p.UserID }
func (p FileProcessingPayload) Validate() error {
	return requireFields(p.Kind(), "file_id", p.FileID, "path", p.Path)
}

// DecodePayload decodes raw job data into the payload type of kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindVideoProcessing:
		return decode[VideoProcessingPayload](raw)
	case KindContentGeneration:
		return decode[ContentGenerationPayload](raw)
	case KindEmail:
		return decode[EmailPayload](raw)
	case KindTranscriptGeneration:
		return decode[TranscriptGenerationPayload](raw)
	case KindSocialPosting:
		return decode[SocialPostingPayload](raw)
	case KindScheduledPost:
		return decode[ScheduledPostPayload](raw)
	case KindAnalytics:
		return decode[AnalyticsPayload](raw)
	case KindFileProcessing:
		return decode[FileProcessingPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decode[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := sonic.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidPayload, p.Kind(), err)
	}
	return p, nil
}

// requireFields checks name/value pairs for empty values.
func requireFields(kind Kind, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, kind, pairs[i])
		}
	}
	return nil
}
