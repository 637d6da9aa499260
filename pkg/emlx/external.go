package emlx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jhillyerd/enmime"
)

// ErrAttachmentNotFound is returned when a named attachment exists neither
// inline nor in the external attachment directory.
var ErrAttachmentNotFound = errors.New("attachment not found")

// AttachmentContent returns the raw bytes and MIME type of the named
// attachment from the container at path. Parts whose payload the mail
// client stored outside the container are read from the sibling Attachments
// directory.
func AttachmentContent(path, filename string) ([]byte, string, error) {
	msgID, err := ExtractMessageID(filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("stat container: %w", err)
	}
	if fi.Size() > MaxContainerSize {
		return nil, "", fmt.Errorf("container too large (%d bytes, max %d)", fi.Size(), MaxContainerSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading container: %w", err)
	}
	mimeData, err := containerBody(data)
	if err != nil {
		return nil, "", err
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(mimeData))
	if err != nil {
		return nil, "", fmt.Errorf("parsing MIME content: %w", err)
	}

	var content []byte
	var mimeType string
	found := false
	walkParts(env.Root, func(idx int, p *enmime.Part) {
		if found || p.FileName != filename {
			return
		}
		found = true
		mimeType = p.ContentType
		if len(p.Content) > 0 {
			content = p.Content
			return
		}
		ext, ok := findExternalAttachment(path, msgID, idx, filename)
		if !ok {
			return
		}
		efi, err := os.Stat(ext)
		if err != nil || efi.Size() > MaxContainerSize {
			return
		}
		if b, err := os.ReadFile(ext); err == nil {
			content = b
		}
	})
	if !found || content == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrAttachmentNotFound, filename)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return content, mimeType, nil
}

// findExternalAttachment locates a part's bytes under the Attachments tree
// the mail client keeps beside the Messages directory:
//
//	.../Data/x/y/Messages/<id>.partial.emlx
//	.../Data/x/y/Attachments/<id>/<part>/<filename>
//
// The filename is untrusted message content, so names carrying traversal
// sequences or separators are rejected and the resolved path must stay
// inside the numbered part directory. When the exact name is missing but
// the part directory holds exactly one file, that file is used; the client
// sometimes stores attachments under a generic name.
func findExternalAttachment(containerPath string, msgID int64, partIdx int, filename string) (string, bool) {
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return "", false
	}
	partDir := filepath.Join(
		filepath.Dir(filepath.Dir(containerPath)),
		"Attachments",
		strconv.FormatInt(msgID, 10),
		strconv.Itoa(partIdx),
	)

	candidate := filepath.Join(partDir, filename)
	if filepath.Dir(candidate) != partDir {
		return "", false
	}
	if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
		return candidate, true
	}

	entries, err := os.ReadDir(partDir)
	if err != nil {
		return "", false
	}
	var only string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if only != "" {
			return "", false
		}
		only = e.Name()
	}
	if only == "" {
		return "", false
	}
	return filepath.Join(partDir, only), true
}
