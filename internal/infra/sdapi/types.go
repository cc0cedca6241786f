package sdapi

import (
	"encoding/base64"
	"fmt"
	"strings"

	"sd-batch/internal/domain"
)

// ImagesResponse is the body of txt2img and img2img responses.
type ImagesResponse struct {
	Images     []string       `json:"images"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Info       string         `json:"info,omitempty"`
}

// Decode returns the raw bytes of every image in the response. An empty
// list is valid; a missing or null images field is not.
func (r *ImagesResponse) Decode() ([][]byte, error) {
	if r.Images == nil {
		return nil, &domain.DecodeError{Reason: "response has no images field"}
	}
	out := make([][]byte, 0, len(r.Images))
	for i, img := range r.Images {
		data, err := DecodeImage(img)
		if err != nil {
			return nil, &domain.DecodeError{Reason: fmt.Sprintf("image %d is not valid base64", i), Err: err}
		}
		out = append(out, data)
	}
	return out, nil
}

// CaptionResponse is the body of an interrogate response.
type CaptionResponse struct {
	Caption string `json:"caption"`
}

// DecodeImage decodes a base64 image, tolerating a data URI prefix.
func DecodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

// DataURI encodes data as a base64 data URI with the given MIME type.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
