package emlx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAttachmentContent_Embedded(t *testing.T) {
	mime := "Content-Type: multipart/mixed; boundary=\"BB\"\n" +
		"\n" +
		"--BB\n" +
		"Content-Type: text/plain\n" +
		"\n" +
		"Body\n" +
		"--BB\n" +
		"Content-Type: application/octet-stream\n" +
		"Content-Disposition: attachment; filename=\"data.bin\"\n" +
		"\n" +
		"BINARYDATA\n" +
		"--BB--\n"
	path := writeContainer(t, t.TempDir(), "99.emlx", mime)

	data, mimeType, err := AttachmentContent(path, "data.bin")
	if err != nil {
		t.Fatalf("AttachmentContent: %v", err)
	}
	if !bytes.Contains(data, []byte("BINARYDATA")) {
		t.Errorf("content = %q", data)
	}
	if mimeType != "application/octet-stream" {
		t.Errorf("mime type = %q", mimeType)
	}
}

func TestAttachmentContent_MissingAttachment(t *testing.T) {
	mime := "Content-Type: text/plain\n\nBody\n"
	path := writeContainer(t, t.TempDir(), "100.emlx", mime)

	_, _, err := AttachmentContent(path, "nonexistent.pdf")
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("err = %v, want ErrAttachmentNotFound", err)
	}
}

func TestAttachmentContent_MissingFile(t *testing.T) {
	_, _, err := AttachmentContent(filepath.Join(t.TempDir(), "101.emlx"), "file.pdf")
	if err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestAttachmentContent_ReadsExternalFile(t *testing.T) {
	img := []byte("\x89PNG external image bytes")
	path := buildPartialTree(t, t.TempDir(), 49461, map[int]string{2: "photo.jpeg"}, img)

	data, mimeType, err := AttachmentContent(path, "photo.jpeg")
	if err != nil {
		t.Fatalf("AttachmentContent: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Errorf("content = %q, want external bytes", data)
	}
	if !strings.Contains(mimeType, "octet") && !strings.Contains(mimeType, "jpeg") {
		t.Errorf("mime type = %q", mimeType)
	}
}

func TestAttachmentContent_GenericDiskNameFallback(t *testing.T) {
	img := []byte("\x89PNG fallback bytes")
	root := t.TempDir()
	path := buildPartialTree(t, root, 49461, map[int]string{2: "Resume.jpeg"}, img)

	// The client stored the file under a generic name that no longer
	// matches the name in the MIME part.
	partDir := filepath.Join(filepath.Dir(filepath.Dir(path)), "Attachments", "49461", "2")
	if err := os.Rename(filepath.Join(partDir, "Resume.jpeg"), filepath.Join(partDir, "Mail Attachment.jpeg")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	data, _, err := AttachmentContent(path, "Resume.jpeg")
	if err != nil {
		t.Fatalf("AttachmentContent: %v", err)
	}
	if !bytes.Equal(data, img) {
		t.Errorf("content = %q, want bytes of the only stored file", data)
	}
}

func TestAttachmentContent_RejectsOversizedExternal(t *testing.T) {
	path := buildPartialTree(t, t.TempDir(), 49461, map[int]string{2: "huge.bin"}, nil)

	partFile := filepath.Join(filepath.Dir(filepath.Dir(path)), "Attachments", "49461", "2", "huge.bin")
	f, err := os.OpenFile(partFile, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open external file: %v", err)
	}
	if err := f.Truncate(MaxContainerSize + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	_, _, err = AttachmentContent(path, "huge.bin")
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("err = %v, want ErrAttachmentNotFound", err)
	}
}

func TestFindExternalAttachment(t *testing.T) {
	img := []byte("\x89PNG fake image data")
	root := t.TempDir()
	path := buildPartialTree(t, root, 49461, map[int]string{2: "photo.jpeg"}, img)

	t.Run("exact match", func(t *testing.T) {
		got, ok := findExternalAttachment(path, 49461, 2, "photo.jpeg")
		if !ok {
			t.Fatal("expected a match")
		}
		if filepath.Base(got) != "photo.jpeg" {
			t.Errorf("path = %q", got)
		}
	})

	t.Run("wrong message id", func(t *testing.T) {
		if _, ok := findExternalAttachment(path, 99999, 2, "photo.jpeg"); ok {
			t.Fatal("expected no match for a different message id")
		}
	})

	t.Run("missing part dir", func(t *testing.T) {
		if _, ok := findExternalAttachment(path, 49461, 5, "photo.jpeg"); ok {
			t.Fatal("expected no match for a missing part directory")
		}
	})

	t.Run("path traversal", func(t *testing.T) {
		if _, ok := findExternalAttachment(path, 49461, 2, "../../../etc/passwd"); ok {
			t.Fatal("expected traversal name to be rejected")
		}
	})

	t.Run("single file fallback", func(t *testing.T) {
		got, ok := findExternalAttachment(path, 49461, 2, "Resume.jpeg")
		if !ok {
			t.Fatal("expected fallback to the only stored file")
		}
		if filepath.Base(got) != "photo.jpeg" {
			t.Errorf("path = %q", got)
		}
	})

	t.Run("fallback refuses multiple files", func(t *testing.T) {
		partDir := filepath.Join(filepath.Dir(filepath.Dir(path)), "Attachments", "49461", "2")
		if err := os.WriteFile(filepath.Join(partDir, "second.jpeg"), img, 0o644); err != nil {
			t.Fatalf("write second file: %v", err)
		}
		if _, ok := findExternalAttachment(path, 49461, 2, "Resume.jpeg"); ok {
			t.Fatal("expected no match with two candidate files")
		}
	})
}
