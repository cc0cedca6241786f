// Package executor holds the per-use-case job executors: each one builds a
// generation request from a job, calls the backend its worker is bound to,
// and persists what comes back.
package executor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"sd-batch/internal/domain"
	"sd-batch/internal/infra/sdapi"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// extensions lists the image types a backend can return, keyed by MIME type.
var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Sniff detects the image type from magic bytes. It never trusts a
// configured or declared format.
func Sniff(data []byte) (mimeType, ext string, ok bool) {
	m := mimetype.Detect(data)
	for ; m != nil; m = m.Parent() {
		if ext, ok := extensions[m.String()]; ok {
			return m.String(), ext, true
		}
	}
	return "", "", false
}

// sniffResult is Sniff for backend output, where an unknown type is a
// decode failure.
func sniffResult(data []byte) (string, string, error) {
	mimeType, ext, ok := Sniff(data)
	if !ok {
		return "", "", &domain.DecodeError{Reason: "unknown file type " + mimetype.Detect(data).String()}
	}
	return mimeType, ext, nil
}

// img2imgPayload assembles an img2img request for an input image. Layers
// apply in order: image dimensions, embedded metadata, configured defaults,
// job parameters, and finally the init image itself.
func img2imgPayload(data []byte, extractor domain.MetadataExtractor, defaults, params domain.Payload) (domain.Payload, error) {
	mimeType, _, ok := Sniff(data)
	if !ok {
		return nil, fmt.Errorf("unsupported input image type %s", mimetype.Detect(data).String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read image dimensions: %w", err)
	}

	base := domain.Payload{"width": cfg.Width, "height": cfg.Height}

	meta := domain.Payload{}
	if extractor != nil {
		if p, ok := extractor.Extract(data); ok {
			meta = metadataPayload(p)
		}
	}

	return domain.Merge(base, meta, defaults, params, domain.Payload{
		"init_images": []string{sdapi.DataURI(mimeType, data)},
	}), nil
}

func metadataPayload(p *domain.ImageParameters) domain.Payload {
	out := domain.Payload{}
	if p.Prompt != "" {
		out["prompt"] = p.Prompt
	}
	if p.NegativePrompt != "" {
		out["negative_prompt"] = p.NegativePrompt
	}
	if p.SamplerName != "" {
		for k, v := range p.SamplerParams {
			out[k] = v
		}
		out["sampler_index"] = p.SamplerName
	}
	return out
}
