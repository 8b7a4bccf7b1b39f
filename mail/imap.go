package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/idgen"
	"github.com/quillmail/quill/logger"
)

// IMAPSource fetches unseen messages from a mailbox over IMAP. Each FetchNew
// call dials a fresh connection; the watcher's poll interval makes a
// persistent session not worth keeping alive.
type IMAPSource struct {
	cfg config.IMAPConfig
}

func NewIMAPSource(cfg config.IMAPConfig) *IMAPSource {
	return &IMAPSource{cfg: cfg}
}

func (s *IMAPSource) dial() (*imapclient.Client, error) {
	if s.cfg.NoTLS {
		return imapclient.DialInsecure(s.cfg.Addr, nil)
	}
	return imapclient.DialTLS(s.cfg.Addr, nil)
}

// FetchNew returns unseen messages received after since, oldest first, up to
// limit. Messages are left unmarked; the caller decides when a message counts
// as processed.
func (s *IMAPSource) FetchNew(ctx context.Context, since time.Time, limit int) ([]*Message, error) {
	c, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", s.cfg.Addr, err)
	}
	defer c.Close()

	if err := c.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	defer func() {
		_ = c.Logout().Wait()
	}()

	if _, err := c.Select(s.cfg.GetMailbox(), nil).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", s.cfg.GetMailbox(), err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	searchData, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		Flags:        true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})

	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	messages := make([]*Message, 0, len(buffers))
	for _, buf := range buffers {
		msg, err := s.toMessage(buf, section)
		if err != nil {
			logger.Warn("skipping unparseable message", "uid", buf.UID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

func (s *IMAPSource) toMessage(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (*Message, error) {
	env := buf.Envelope
	if env == nil {
		return nil, fmt.Errorf("%w: missing envelope", ErrMalformedMessage)
	}

	var sender string
	if len(env.From) > 0 {
		sender = strings.ToLower(env.From[0].Addr())
	}

	raw := buf.FindBodySection(section)
	body := ""
	if len(raw) > 0 {
		text, err := ExtractBodyText(raw)
		if err != nil {
			return nil, err
		}
		body = text
	}

	id := env.MessageID
	if id == "" {
		id = idgen.New()
	}

	threadID := id
	if len(env.InReplyTo) > 0 && env.InReplyTo[0] != "" {
		threadID = env.InReplyTo[0]
	}

	labels := make([]string, 0, len(buf.Flags))
	for _, f := range buf.Flags {
		labels = append(labels, strings.TrimPrefix(string(f), "\\"))
	}

	received := buf.InternalDate
	if received.IsZero() && env.Date != (time.Time{}) {
		received = env.Date
	}

	msg := &Message{
		ID:         id,
		ThreadID:   threadID,
		Sender:     helpers.ExtractAddress(sender),
		Subject:    env.Subject,
		BodyText:   body,
		ReceivedAt: received,
		Labels:     labels,
		Raw:        raw,
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return msg, nil
}
