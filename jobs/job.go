// Package jobs runs the relay's units of work: fetch, convert, deliver and notify jobs,
// each scheduled for a point in time, executed once on its own goroutine, and owning the
// temporary files it produces until it hands them to a follow-up job.
package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/media"
)

// Kind names a job's stage.
type Kind int

const (
	KindFetch Kind = iota
	KindConvert
	KindDeliver
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch"
	case KindConvert:
		return "convert"
	case KindDeliver:
		return "deliver"
	case KindNotify:
		return "notify"
	}
	return "unknown"
}

// State is a job's lifecycle position.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Payload is the typed body of a job. The set is closed: FetchPayload, ConvertPayload,
// DeliverPayload and NotifyPayload.
type Payload interface {
	Kind() Kind
	payload()
}

// artifactCarrier is implemented by payloads that hand temp files from one job to the next.
type artifactCarrier interface {
	Artifacts() []*media.Artifact
}

// FetchPayload asks for the media behind a classified link.
type FetchPayload struct {
	Ref             content.Ref
	// Label is what the user sent, echoed in captions and error replies. Empty for
	// forwarded files, whose locator embeds the bot token.
	Label           string
	SourceMessageID int
}

func (FetchPayload) Kind() Kind { return KindFetch }
func (FetchPayload) payload()   {}

// Staggered reports whether concurrent fetches of this payload in one chat are spread out.
// Gallery posts fan out into many image downloads, so they are.
func (p FetchPayload) Staggered() bool { return p.Ref.Kind == content.GalleryPost }

// ConvertPayload carries fetched files that still need transcoding.
type ConvertPayload struct {
	Items           []*media.Artifact
	Caption         string
	Label           string
	SourceMessageID int
}

func (ConvertPayload) Kind() Kind                     { return KindConvert }
func (ConvertPayload) payload()                       {}
func (p ConvertPayload) Artifacts() []*media.Artifact { return p.Items }

// DeliverPayload carries deliverable files for the chat.
type DeliverPayload struct {
	Items           []*media.Artifact
	Caption         string
	Label           string
	SourceMessageID int
}

func (DeliverPayload) Kind() Kind                     { return KindDeliver }
func (DeliverPayload) payload()                       {}
func (p DeliverPayload) Artifacts() []*media.Artifact { return p.Items }

// NotifyPayload is a plain text reply.
type NotifyPayload struct {
	Text    string
	ReplyTo int
}

func (NotifyPayload) Kind() Kind { return KindNotify }
func (NotifyPayload) payload()   {}

// Job is one scheduled unit of work. Values handed out by the scheduler are copies.
type Job struct {
	ID           uuid.UUID
	ChatID       int64
	Kind         Kind
	Payload      Payload
	State        State
	Delay        time.Duration
	CreatedAt    time.Time
	ScheduledAt  time.Time
	AttemptCount int
	LastError    string
}

func (j *Job) staggered() bool {
	s, ok := j.Payload.(interface{ Staggered() bool })
	return ok && s.Staggered()
}

func (j *Job) artifacts() []*media.Artifact {
	if c, ok := j.Payload.(artifactCarrier); ok {
		return c.Artifacts()
	}
	return nil
}
