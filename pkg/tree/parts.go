package tree

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeFile  PartType = "file"
)

// Part is one typed content segment of a message version.
type Part interface {
	PartType() PartType
	String() string
}

type TextPart struct {
	Text string `json:"text"`
}

func (p *TextPart) PartType() PartType {
	return PartTypeText
}

func (p *TextPart) String() string {
	return p.Text
}

var _ Part = (*TextPart)(nil)

type ImagePart struct {
	ImageURL  string `json:"imageURL,omitempty"`
	ImageName string `json:"imageName,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	// Data holds inline image bytes for images that have no URL yet,
	// e.g. partial images arriving from a provider stream.
	Data []byte `json:"data,omitempty"`
}

func (p *ImagePart) PartType() PartType {
	return PartTypeImage
}

func (p *ImagePart) String() string {
	return fmt.Sprintf("ImagePart{ImageURL: %s, ImageName: %s, MediaType: %s, %d bytes}",
		p.ImageURL, p.ImageName, p.MediaType, len(p.Data))
}

var _ Part = (*ImagePart)(nil)

type FilePart struct {
	FileURL   string `json:"fileURL,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

func (p *FilePart) PartType() PartType {
	return PartTypeFile
}

func (p *FilePart) String() string {
	return fmt.Sprintf("FilePart{FileURL: %s, FileName: %s}", p.FileURL, p.FileName)
}

var _ Part = (*FilePart)(nil)

// Parts is an ordered sequence of typed content segments. It carries its own
// JSON representation because Part is an interface: each element is stored as
// a {"type": ..., "part": ...} pair so the concrete type survives a round trip.
type Parts []Part

type partAlias struct {
	Type PartType        `json:"type"`
	Part json.RawMessage `json:"part"`
}

func (ps Parts) MarshalJSON() ([]byte, error) {
	aliases := make([]partAlias, 0, len(ps))
	for _, p := range ps {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, partAlias{Type: p.PartType(), Part: raw})
	}
	return json.Marshal(aliases)
}

func (ps *Parts) UnmarshalJSON(data []byte) error {
	var aliases []partAlias
	if err := json.Unmarshal(data, &aliases); err != nil {
		return err
	}

	ret := make(Parts, 0, len(aliases))
	for _, a := range aliases {
		switch a.Type {
		case PartTypeText:
			var p TextPart
			if err := json.Unmarshal(a.Part, &p); err != nil {
				return err
			}
			ret = append(ret, &p)
		case PartTypeImage:
			var p ImagePart
			if err := json.Unmarshal(a.Part, &p); err != nil {
				return err
			}
			ret = append(ret, &p)
		case PartTypeFile:
			var p FilePart
			if err := json.Unmarshal(a.Part, &p); err != nil {
				return err
			}
			ret = append(ret, &p)
		default:
			return errors.Errorf("unknown part type %q", a.Type)
		}
	}
	*ps = ret
	return nil
}

// Text concatenates all text segments in order.
func (ps Parts) Text() string {
	ret := ""
	for _, p := range ps {
		if tp, ok := p.(*TextPart); ok {
			ret += tp.Text
		}
	}
	return ret
}
