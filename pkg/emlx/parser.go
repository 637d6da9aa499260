package emlx

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// MaxContainerSize bounds how large a message container may be before it is
// rejected unread. Corrupt containers occasionally claim absurd sizes.
const MaxContainerSize = 25 << 20

// Message is one decoded message container.
type Message struct {
	ID           int64
	Subject      string
	Sender       string
	Content      string
	DateReceived string
	SourcePath   string
	Attachments  []Attachment
}

// Attachment describes one MIME part carrying a file.
type Attachment struct {
	Filename  string
	MimeType  string
	FileSize  int64
	ContentID string
}

// ParseError marks a container whose name or content is malformed. I/O
// failures are plain wrapped errors; a ParseError means re-reading the
// file will not help.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads and decodes the message container at path. The message ID is
// taken from the file name's numeric stem.
func Parse(path string) (*Message, error) {
	id, err := ExtractMessageID(filepath.Base(path))
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}
	if fi.Size() > MaxContainerSize {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("container too large (%d bytes, max %d)", fi.Size(), MaxContainerSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading container: %w", err)
	}
	return ParseBytes(data, id, path)
}

// ParseBytes decodes an in-memory container. The id and path are recorded on
// the resulting Message; path may be empty when there is no backing file.
func ParseBytes(data []byte, id int64, path string) (*Message, error) {
	if int64(len(data)) > MaxContainerSize {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("container too large (%d bytes, max %d)", len(data), MaxContainerSize)}
	}
	mimeData, err := containerBody(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	msg := &Message{ID: id, SourcePath: path}

	env, err := enmime.ReadEnvelope(bytes.NewReader(mimeData))
	if err != nil {
		// A body the MIME reader refuses may still have readable
		// headers; index those and leave the content empty.
		hdr, ok := rawHeader(mimeData)
		if !ok {
			return nil, &ParseError{Path: path, Err: fmt.Errorf("parsing MIME content: %w", err)}
		}
		msg.Subject = hdr.Get("Subject")
		msg.Sender = hdr.Get("From")
		msg.DateReceived = normalizeDate(hdr.Get("Date"))
		return msg, nil
	}

	msg.Subject = env.GetHeader("Subject")
	msg.Sender = env.GetHeader("From")
	msg.DateReceived = normalizeDate(env.GetHeader("Date"))
	msg.Content = bodyText(env.Root)
	msg.Attachments = extractAttachments(env.Root, id, path)
	return msg, nil
}

// ExtractMessageID derives the numeric message ID from a container file
// name: "12345.emlx" and "12345.partial.emlx" both yield 12345.
func ExtractMessageID(filename string) (int64, error) {
	stem := strings.TrimSuffix(filename, ".emlx")
	stem = strings.TrimSuffix(stem, ".partial")
	id, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("container name %q has no numeric message ID", filename)
	}
	return id, nil
}

// containerBody peels the container framing: a decimal byte count on the
// first line, then that many bytes of MIME content. The property-list
// trailer after the MIME content is ignored. A count overrunning the data is
// clamped to what is actually present.
func containerBody(data []byte) ([]byte, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("container missing byte-count line")
	}
	countStr := strings.TrimSpace(string(data[:nl]))
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("container byte count %q is not a number", countStr)
	}
	start := nl + 1
	end := start + count
	if end > len(data) {
		end = len(data)
	}
	return data[start:end], nil
}

func rawHeader(mimeData []byte) (textproto.MIMEHeader, bool) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(mimeData)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil, false
	}
	return hdr, true
}

// normalizeDate converts a standard mail Date header to ISO-8601, keeping
// the raw value when it refuses to parse.
func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return raw
	}
	return t.Format(time.RFC3339)
}

// bodyText pulls the plain-text body. Multipart messages prefer the first
// text/plain part in depth-first order, then the first text/html part run
// through StripHTML. Single-part messages use their payload directly.
func bodyText(root *enmime.Part) string {
	if root == nil {
		return ""
	}
	if root.FirstChild == nil {
		text := string(root.Content)
		if root.ContentType == "text/html" {
			return StripHTML(text)
		}
		return text
	}
	if p := root.DepthMatchFirst(partWithContent("text/plain")); p != nil {
		return string(p.Content)
	}
	if p := root.DepthMatchFirst(partWithContent("text/html")); p != nil {
		return StripHTML(string(p.Content))
	}
	return ""
}

func partWithContent(contentType string) enmime.PartMatcher {
	return func(p *enmime.Part) bool {
		return p.ContentType == contentType && len(p.Content) > 0
	}
}

// extractAttachments records every part carrying a filename or Content-ID.
// Part positions from this walk also key the external attachment
// directories, so the walk counts every part including the root.
func extractAttachments(root *enmime.Part, msgID int64, sourcePath string) []Attachment {
	var out []Attachment
	walkParts(root, func(idx int, p *enmime.Part) {
		if strings.HasPrefix(p.ContentType, "multipart/") {
			return
		}
		contentID := strings.Trim(p.ContentID, "<>")
		if p.FileName == "" && contentID == "" {
			return
		}
		mimeType := p.ContentType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		out = append(out, Attachment{
			Filename:  p.FileName,
			MimeType:  mimeType,
			FileSize:  attachmentSize(p, idx, msgID, sourcePath),
			ContentID: contentID,
		})
	})
	return out
}

// walkParts visits parts depth-first, handing each its position in the
// walk. The root is position 0; body parts consume positions too.
func walkParts(root *enmime.Part, visit func(idx int, p *enmime.Part)) {
	if root == nil {
		return
	}
	idx := 0
	var rec func(*enmime.Part)
	rec = func(p *enmime.Part) {
		visit(idx, p)
		idx++
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(root)
}

// attachmentSize resolves a part's size: a numeric Content-Length header
// wins, then the decoded payload length, then the size of the externally
// stored file for parts whose bytes live outside the container.
func attachmentSize(p *enmime.Part, partIdx int, msgID int64, sourcePath string) int64 {
	if v := strings.TrimSpace(p.Header.Get("Content-Length")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if len(p.Content) > 0 {
		return int64(len(p.Content))
	}
	if sourcePath != "" && p.FileName != "" {
		if ext, ok := findExternalAttachment(sourcePath, msgID, partIdx, p.FileName); ok {
			if fi, err := os.Stat(ext); err == nil {
				return fi.Size()
			}
		}
	}
	return 0
}
