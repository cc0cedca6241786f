// Package metadata extracts generation parameters that the web UI embeds in
// the PNG images it produces.
package metadata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"sd-batch/internal/domain"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const parametersKeyword = "parameters"

// Parameters reads the "parameters" text chunk written by the web UI.
type Parameters struct{}

var _ domain.MetadataExtractor = Parameters{}

// Extract returns the parsed parameters, or false when the image carries
// none. It never fails: anything unreadable counts as "no metadata".
func (Parameters) Extract(data []byte) (*domain.ImageParameters, bool) {
	text, ok := pngText(data, parametersKeyword)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, false
	}
	return Parse(text), true
}

// pngText returns the value of the first tEXt, zTXt or iTXt chunk whose
// keyword matches.
func pngText(data []byte, keyword string) (string, bool) {
	if !bytes.HasPrefix(data, pngSignature) {
		return "", false
	}
	rest := data[len(pngSignature):]
	for len(rest) >= 12 {
		length := binary.BigEndian.Uint32(rest[:4])
		typ := string(rest[4:8])
		if uint64(length)+12 > uint64(len(rest)) {
			return "", false
		}
		body := rest[8 : 8+length]
		rest = rest[12+length:]

		switch typ {
		case "tEXt":
			if k, v, ok := bytes.Cut(body, []byte{0}); ok && string(k) == keyword {
				return latin1(v), true
			}
		case "zTXt":
			k, v, ok := bytes.Cut(body, []byte{0})
			if ok && string(k) == keyword && len(v) > 1 {
				if text, err := inflate(v[1:]); err == nil {
					return latin1(text), true
				}
			}
		case "iTXt":
			if text, ok := parseITXt(body, keyword); ok {
				return text, true
			}
		case "IEND":
			return "", false
		}
	}
	return "", false
}

// parseITXt decodes keyword\0 flag method lang\0 translated\0 text.
func parseITXt(body []byte, keyword string) (string, bool) {
	k, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || string(k) != keyword || len(rest) < 2 {
		return "", false
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", false
	}
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", false
	}
	if compressed {
		text, err := inflate(rest)
		if err != nil {
			return "", false
		}
		return string(text), true
	}
	return string(rest), true
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// payloadKeys maps settings of the parameters line to API payload keys.
var payloadKeys = map[string]string{
	"Steps":              "steps",
	"CFG scale":          "cfg_scale",
	"Seed":               "seed",
	"Denoising strength": "denoising_strength",
	"Clip skip":          "clip_skip",
	"Schedule type":      "scheduler",
}

// Parse splits the web UI parameters text:
//
//	<prompt, possibly multi-line>
//	Negative prompt: <negative prompt>
//	Steps: 20, Sampler: Euler a, CFG scale: 7, Seed: 1, Size: 512x512
func Parse(text string) *domain.ImageParameters {
	params := &domain.ImageParameters{SamplerParams: domain.Payload{}}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	settingsLine := ""
	if last := strings.TrimSpace(lines[len(lines)-1]); strings.HasPrefix(last, "Steps:") {
		settingsLine = last
		lines = lines[:len(lines)-1]
	}

	var prompt, negative []string
	inNegative := false
	for _, line := range lines {
		if after, ok := strings.CutPrefix(line, "Negative prompt:"); ok {
			inNegative = true
			line = strings.TrimSpace(after)
		}
		if inNegative {
			negative = append(negative, line)
		} else {
			prompt = append(prompt, line)
		}
	}
	params.Prompt = strings.TrimSpace(strings.Join(prompt, "\n"))
	params.NegativePrompt = strings.TrimSpace(strings.Join(negative, "\n"))

	for key, value := range splitSettings(settingsLine) {
		if key == "Sampler" {
			params.SamplerName = value
			continue
		}
		apiKey, ok := payloadKeys[key]
		if !ok {
			continue
		}
		params.SamplerParams[apiKey] = number(value)
	}
	return params
}

// splitSettings parses "k: v, k: v" honouring double-quoted values.
func splitSettings(line string) map[string]string {
	out := map[string]string{}
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())

	for _, part := range parts {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if unq, err := strconv.Unquote(v); err == nil {
			v = unq
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func number(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
