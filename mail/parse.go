package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"

	"github.com/quillmail/quill/helpers"
)

// ExtractBodyText walks the MIME structure of a raw message and returns the
// best plain-text rendition of its body: the first text/plain part if one
// exists, otherwise the first text/html part converted to text. The result is
// cleaned of quoted reply lines and signatures.
func ExtractBodyText(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var plainBody, htmlBody string

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return nil
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		switch mediaType {
		case "text/plain":
			if plainBody == "" {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				plainBody = string(content)
			}
		case "text/html":
			if htmlBody == "" {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				htmlBody = string(content)
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	body := plainBody
	if body == "" && htmlBody != "" {
		body = html2text.HTML2Text(htmlBody)
	}

	return helpers.CleanBody(helpers.SanitizeUTF8(body)), nil
}
