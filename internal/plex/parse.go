package plex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

var (
	// ErrMissingPayload is returned when a request carries no payload part.
	ErrMissingPayload = errors.New("missing payload part")
	// ErrInvalidPayload is returned when the payload fails validation or decoding.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Request is one decoded webhook delivery.
type Request struct {
	Payload Payload
	// Raw is the payload JSON exactly as received.
	Raw []byte
	// Thumb holds the optional JPEG thumbnail part.
	Thumb []byte
	// Skipped lists form parts that were ignored.
	Skipped []string
}

// ParseRequest reads a webhook request. Plex posts multipart/form-data with a
// "payload" JSON part and an optional "thumb" JPEG part; a bare
// application/json body is also accepted. The caller is expected to bound the
// body size. A nil validator skips schema checks.
func ParseRequest(r *http.Request, v *Validator) (*Request, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: content type: %v", ErrInvalidPayload, err)
	}

	var req *Request
	switch mediaType {
	case "multipart/form-data":
		req, err = readMultipart(r)
	case "application/json":
		var raw []byte
		raw, err = io.ReadAll(r.Body)
		req = &Request{Raw: raw}
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidPayload, mediaType)
	}
	if err != nil {
		return nil, err
	}
	if len(req.Raw) == 0 {
		return nil, ErrMissingPayload
	}

	if v != nil {
		if err := v.Validate(req.Raw); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(req.Raw, &req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return req, nil
}

func readMultipart(r *http.Request) (*Request, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req := &Request{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		name := part.FormName()
		switch name {
		case "payload", "thumb":
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s part: %w", name, err)
			}
			// Some Plex builds send the thumbnail under the payload name.
			if name == "payload" && json.Valid(data) {
				req.Raw = data
			} else {
				req.Thumb = data
			}
		default:
			_ = part.Close()
			req.Skipped = append(req.Skipped, name)
		}
	}
}
