package openaicompat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/modelmux/modelmux/internal/types"
)

// chatChunk is one SSE data payload from a streaming completion.
type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

// streamProcessor parses SSE lines, forwards content deltas, and
// accumulates the full text plus trailing metadata.
type streamProcessor struct {
	buf          strings.Builder
	usage        *types.Usage
	finishReason string
	model        string
}

func newStreamProcessor() *streamProcessor {
	return &streamProcessor{}
}

// run reads the SSE stream, calling onChunk with each content delta.
func (p *streamProcessor) run(r io.Reader, onChunk func(string) error) error {
	scanner := bufio.NewScanner(r)
	// Large chunks need a bigger buffer than the scanner default
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 256*1024)

	for scanner.Scan() {
		delta, done := p.processLine(scanner.Bytes())
		if done {
			break
		}
		if delta != "" && onChunk != nil {
			if err := onChunk(delta); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// processLine parses one SSE line, returning the content delta it
// carried and whether the stream signalled completion.
func (p *streamProcessor) processLine(line []byte) (delta string, done bool) {
	if !bytes.HasPrefix(line, []byte("data: ")) {
		return "", false
	}
	data := bytes.TrimPrefix(line, []byte("data: "))

	if bytes.Equal(data, []byte("[DONE]")) {
		return "", true
	}

	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false // skip malformed chunks
	}

	if p.model == "" && chunk.Model != "" {
		p.model = chunk.Model
	}
	if chunk.Usage != nil {
		p.usage = chunk.Usage
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			p.buf.WriteString(choice.Delta.Content)
			delta += choice.Delta.Content
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			p.finishReason = *choice.FinishReason
		}
	}
	return delta, false
}

func (p *streamProcessor) content() string {
	return p.buf.String()
}
