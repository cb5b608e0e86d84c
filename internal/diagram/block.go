// Package diagram models the editor's blocks, with the mermaid diagram block
// as the one custom type, and binds them to a shared document.
package diagram

import (
	"encoding/json"
	"errors"
	"fmt"
)

type BlockType string

const (
	TypeParagraph        BlockType = "paragraph"
	TypeHeading          BlockType = "heading"
	TypeBulletListItem   BlockType = "bulletListItem"
	TypeNumberedListItem BlockType = "numberedListItem"
	TypeMermaid          BlockType = "mermaid"
)

type Alignment string

const (
	AlignLeft    Alignment = "left"
	AlignCenter  Alignment = "center"
	AlignRight   Alignment = "right"
	AlignJustify Alignment = "justify"
)

var (
	ErrUnknownBlockType = errors.New("diagram: unknown block type")
	ErrInvalidBlock     = errors.New("diagram: invalid block")
)

// DefaultCode is the source a fresh mermaid block starts with.
const DefaultCode = `graph TD
    A[Start] --> B{Decision}
    B -->|Yes| C[Action 1]
    B -->|No| D[Action 2]
    C --> E[End]
    D --> E`

// Props is implemented by the typed attribute set of each block type.
type Props interface {
	BlockType() BlockType
	validate() error
}

type DefaultProps struct {
	TextAlignment   Alignment `json:"textAlignment"`
	TextColor       string    `json:"textColor,omitempty"`
	BackgroundColor string    `json:"backgroundColor,omitempty"`
}

func (p DefaultProps) validate() error {
	switch p.TextAlignment {
	case "", AlignLeft, AlignCenter, AlignRight, AlignJustify:
		return nil
	}
	return fmt.Errorf("%w: text alignment %q", ErrInvalidBlock, p.TextAlignment)
}

type ParagraphProps struct {
	DefaultProps
}

func (ParagraphProps) BlockType() BlockType { return TypeParagraph }

type HeadingProps struct {
	DefaultProps
	Level int `json:"level"`
}

func (HeadingProps) BlockType() BlockType { return TypeHeading }

func (p HeadingProps) validate() error {
	if p.Level < 1 || p.Level > 3 {
		return fmt.Errorf("%w: heading level %d", ErrInvalidBlock, p.Level)
	}
	return p.DefaultProps.validate()
}

type BulletListItemProps struct {
	DefaultProps
}

func (BulletListItemProps) BlockType() BlockType { return TypeBulletListItem }

type NumberedListItemProps struct {
	DefaultProps
}

func (NumberedListItemProps) BlockType() BlockType { return TypeNumberedListItem }

// MermaidProps are the attributes of a diagram block. Width and Height are
// zero until a resize is committed.
type MermaidProps struct {
	TextAlignment Alignment `json:"textAlignment"`
	Code          string    `json:"code"`
	Theme         Theme     `json:"theme,omitempty"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
}

func (MermaidProps) BlockType() BlockType { return TypeMermaid }

func (p MermaidProps) validate() error {
	if err := (DefaultProps{TextAlignment: p.TextAlignment}).validate(); err != nil {
		return err
	}
	if p.Theme != "" && !p.Theme.valid() {
		return fmt.Errorf("%w: theme %q", ErrInvalidBlock, p.Theme)
	}
	if p.Width < 0 || p.Height < 0 || (p.Width == 0) != (p.Height == 0) {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidBlock, p.Width, p.Height)
	}
	return nil
}

// Block is one editor block. Content holds the inline text of text blocks;
// mermaid blocks carry none.
type Block struct {
	ID      string
	Props   Props
	Content string
}

func (b Block) Type() BlockType {
	if b.Props == nil {
		return ""
	}
	return b.Props.BlockType()
}

// NewMermaid returns a diagram block with the default source.
func NewMermaid(id string) Block {
	return Block{ID: id, Props: MermaidProps{TextAlignment: AlignLeft, Code: DefaultCode}}
}

// Mermaid returns the diagram props when b is a mermaid block.
func (b Block) Mermaid() (MermaidProps, bool) {
	p, ok := b.Props.(MermaidProps)
	return p, ok
}

func (b Block) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidBlock)
	}
	if b.Props == nil {
		return fmt.Errorf("%w: missing props", ErrInvalidBlock)
	}
	if b.Type() == TypeMermaid && b.Content != "" {
		return fmt.Errorf("%w: mermaid blocks have no inline content", ErrInvalidBlock)
	}
	return b.Props.validate()
}

type wireBlock struct {
	ID      string          `json:"id"`
	Type    BlockType       `json:"type"`
	Props   json.RawMessage `json:"props"`
	Content string          `json:"content,omitempty"`
}

// MarshalBlock encodes b with its type tag.
func MarshalBlock(b Block) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	props, err := json.Marshal(b.Props)
	if err != nil {
		return nil, fmt.Errorf("encode %s props: %w", b.Type(), err)
	}
	return json.Marshal(wireBlock{ID: b.ID, Type: b.Type(), Props: props, Content: b.Content})
}

// UnmarshalBlock decodes a tagged block and rejects unknown types.
func UnmarshalBlock(data []byte) (Block, error) {
	var wire wireBlock
	if err := json.Unmarshal(data, &wire); err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	props, err := decodeProps(wire.Type, wire.Props)
	if err != nil {
		return Block{}, err
	}
	b := Block{ID: wire.ID, Props: props, Content: wire.Content}
	if err := b.Validate(); err != nil {
		return Block{}, err
	}
	return b, nil
}

func decodeProps(t BlockType, raw json.RawMessage) (Props, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		props Props
		err   error
	)
	switch t {
	case TypeParagraph:
		var p ParagraphProps
		err = json.Unmarshal(raw, &p)
		props = p
	case TypeHeading:
		p := HeadingProps{Level: 1}
		err = json.Unmarshal(raw, &p)
		props = p
	case TypeBulletListItem:
		var p BulletListItemProps
		err = json.Unmarshal(raw, &p)
		props = p
	case TypeNumberedListItem:
		var p NumberedListItemProps
		err = json.Unmarshal(raw, &p)
		props = p
	case TypeMermaid:
		p := MermaidProps{TextAlignment: AlignLeft, Code: DefaultCode}
		err = json.Unmarshal(raw, &p)
		props = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s props: %v", ErrInvalidBlock, t, err)
	}
	return props, nil
}
