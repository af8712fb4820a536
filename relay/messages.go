package relay

import (
	"errors"

	"github.com/ChaikaBogdan/memes2telegram/content"
	"github.com/ChaikaBogdan/memes2telegram/convert"
	"github.com/ChaikaBogdan/memes2telegram/fetch"
	"github.com/ChaikaBogdan/memes2telegram/media"
)

// UserMessage is the chat reply for a failed request. The locator is echoed when known.
func UserMessage(err error, locator string) string {
	var text string
	switch {
	case errors.Is(err, content.ErrEmptyInput):
		return "Empty message!"
	case errors.Is(err, content.ErrNotALink):
		return "Not a link!"
	case errors.Is(err, media.ErrUploadTooBig), errors.Is(err, fetch.ErrTooLarge):
		text = "Can't download - video is too big!"
	case errors.Is(err, fetch.ErrNoMediaFound):
		text = "No pictures inside the post"
	case errors.Is(err, fetch.ErrNetworkTimeout):
		text = "Can't download - the source took too long to answer"
	case errors.Is(err, fetch.ErrUndownloadable), errors.Is(err, media.ErrUnsupportedType):
		text = "Can't download this type of link!"
	case errors.Is(err, convert.ErrConversionFailed):
		text = "Can't convert this video"
	default:
		text = "Something went wrong, try again later"
	}
	if locator != "" {
		text += "\n" + locator
	}
	return text
}
