package models

import (
	"encoding/json"
	"fmt"
)

// BlockType identifies the kind of content block inside a message.
type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeThinking BlockType = "thinking"
	BlockTypeToolCall BlockType = "toolCall"
	BlockTypeImage    BlockType = "image"
)

// ContentBlock is one element of a message's ordered content sequence.
// Concrete types: TextBlock, ThinkingBlock, ToolCallBlock, ImageBlock.
// Unrecognized persisted blocks round-trip as UnknownBlock.
type ContentBlock interface {
	BlockType() BlockType
}

// TextBlock is plain assistant or user text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() BlockType { return BlockTypeText }

func (b TextBlock) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type BlockType `json:"type"`
		Text string    `json:"text"`
	}
	return json.Marshal(wire{BlockTypeText, b.Text})
}

// ThinkingBlock is model reasoning text, never sent back verbatim to tools.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (ThinkingBlock) BlockType() BlockType { return BlockTypeThinking }

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type     BlockType `json:"type"`
		Thinking string    `json:"thinking"`
	}
	return json.Marshal(wire{BlockTypeThinking, b.Thinking})
}

// ToolCallBlock is a model-requested tool invocation. Arguments is the raw
// JSON argument object as streamed by the provider.
type ToolCallBlock struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (ToolCallBlock) BlockType() BlockType { return BlockTypeToolCall }

func (b ToolCallBlock) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      BlockType       `json:"type"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	return json.Marshal(wire{BlockTypeToolCall, b.ID, b.Name, b.Arguments})
}

// ImageBlock carries base64-encoded image data, used in user messages and
// tool results.
type ImageBlock struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func (ImageBlock) BlockType() BlockType { return BlockTypeImage }

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type     BlockType `json:"type"`
		MimeType string    `json:"mimeType"`
		Data     string    `json:"data"`
	}
	return json.Marshal(wire{BlockTypeImage, b.MimeType, b.Data})
}

// UnknownBlock preserves a block of an unrecognized type so old logs written
// by newer versions survive a read/write cycle byte-for-byte.
type UnknownBlock struct {
	Type BlockType
	Raw  json.RawMessage
}

func (b UnknownBlock) BlockType() BlockType { return b.Type }

func (b UnknownBlock) MarshalJSON() ([]byte, error) {
	return append(json.RawMessage(nil), b.Raw...), nil
}

// Blocks is an ordered content sequence with polymorphic JSON decoding.
type Blocks []ContentBlock

// UnmarshalJSON decodes a JSON array of tagged block objects.
func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for i, raw := range raws {
		block, err := unmarshalBlock(raw)
		if err != nil {
			return fmt.Errorf("content block %d: %w", i, err)
		}
		out = append(out, block)
	}
	*bs = out
	return nil
}

func unmarshalBlock(raw json.RawMessage) (ContentBlock, error) {
	var probe struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case BlockTypeText:
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockTypeThinking:
		var b ThinkingBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockTypeToolCall:
		var b ToolCallBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case BlockTypeImage:
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return UnknownBlock{Type: probe.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// Text concatenates all text blocks in order.
func (bs Blocks) Text() string {
	var out string
	for _, b := range bs {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call blocks in order.
func (bs Blocks) ToolCalls() []ToolCallBlock {
	var calls []ToolCallBlock
	for _, b := range bs {
		if tc, ok := b.(ToolCallBlock); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// TextBlocks builds a Blocks slice from one text string, the common case for
// user input and synthetic system notes.
func TextBlocks(text string) Blocks {
	return Blocks{TextBlock{Text: text}}
}
