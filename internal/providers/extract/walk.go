package extract

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// ErrTooDeep is returned when MIME nesting exceeds the configured depth
var ErrTooDeep = errors.New("mime nesting too deep")

const maxPartBytes = 10 << 20

// Walk visits root and its descendants depth-first using an explicit stack.
// Nodes deeper than maxDepth abort the walk with ErrTooDeep.
func Walk[T any](root T, children func(T) []T, maxDepth int, visit func(node T, depth int) error) error {
	type frame struct {
		node  T
		depth int
	}
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > maxDepth {
			return fmt.Errorf("%w: depth %d", ErrTooDeep, f.depth)
		}
		if err := visit(f.node, f.depth); err != nil {
			return err
		}

		kids := children(f.node)
		// push in reverse so the first child is visited first
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: kids[i], depth: f.depth + 1})
		}
	}
	return nil
}

// Attachment is metadata about a non-inline part; content is not kept
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// Parts is the result of walking an RFC 5322 message
type Parts struct {
	Text        string
	HTML        string
	Attachments []Attachment
}

// ParseMIME reads a raw message and collects its text, HTML and attachment
// metadata. Multipart nesting is bounded by maxDepth.
func ParseMIME(r io.Reader, maxDepth int) (*Parts, error) {
	root, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}

	type frame struct {
		mr    message.MultipartReader
		depth int
	}
	var (
		parts Parts
		stack []frame
	)

	handle := func(e *message.Entity, depth int) error {
		if mr := e.MultipartReader(); mr != nil {
			if depth >= maxDepth {
				return fmt.Errorf("%w: depth %d", ErrTooDeep, depth+1)
			}
			stack = append(stack, frame{mr: mr, depth: depth + 1})
			return nil
		}
		return parts.collect(e)
	}

	if err := handle(root, 0); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		p, err := top.mr.NextPart()
		if err == io.EOF {
			stack = stack[:len(stack)-1]
			continue
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}
		if err := handle(p, top.depth); err != nil {
			return nil, err
		}
	}
	return &parts, nil
}

func (p *Parts) collect(e *message.Entity) error {
	ct, params, _ := e.Header.ContentType()
	disp, dparams, _ := e.Header.ContentDisposition()

	filename := dparams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if disp == "attachment" || (filename != "" && !strings.HasPrefix(ct, "text/")) {
		n, _ := io.Copy(io.Discard, io.LimitReader(e.Body, maxPartBytes))
		p.Attachments = append(p.Attachments, Attachment{Filename: decodeWord(filename), ContentType: ct, Size: int(n)})
		return nil
	}

	switch {
	case ct == "text/plain" && p.Text == "":
		body, err := io.ReadAll(io.LimitReader(e.Body, maxPartBytes))
		if err != nil {
			return fmt.Errorf("read text part: %w", err)
		}
		p.Text = string(body)
	case ct == "text/html" && p.HTML == "":
		body, err := io.ReadAll(io.LimitReader(e.Body, maxPartBytes))
		if err != nil {
			return fmt.Errorf("read html part: %w", err)
		}
		p.HTML = string(body)
	}
	return nil
}

var wordDecoder = new(mime.WordDecoder)

func decodeWord(s string) string {
	if out, err := wordDecoder.DecodeHeader(s); err == nil {
		return out
	}
	return s
}
