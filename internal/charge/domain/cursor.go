package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase tags a cursor with the pipeline stage it addresses, so a message can
// only be routed to the component its phase names.
type Phase string

const (
	PhaseSubmit     Phase = "submit"
	PhaseCompletion Phase = "completion"
)

// Message attribute keys. Booleans travel as "0"/"1", ids as decimal strings.
const (
	AttrPhase                = "phase"
	AttrQueueID              = "queue_id"
	AttrFileID               = "file_id"
	AttrPageNumber           = "page_number"
	AttrSubmitRetryCount     = "submit_retry_count"
	AttrCompletionRetryCount = "completion_retry_count"
	AttrPortalType           = "portal_type"
	AttrAuthID               = "auth_id"
	AttrIsGroup              = "is_group"
	AttrIsLastInGroup        = "is_last_in_group"
	AttrGroupMemberIDs       = "group_member_ids"
	AttrGroupSummaryStep     = "is_group_summary_step"
)

var (
	ErrNoBatchIdentity        = errors.New("message carries neither a queue id nor a file id")
	ErrAmbiguousBatchIdentity = errors.New("message carries both a queue id and a file id")
)

// Cursor is the typed payload carried on every queue message. It is never
// persisted; each re-enqueue derives a fresh cursor from the previous one.
type Cursor struct {
	Phase Phase

	QueueID int64
	FileID  int32

	Page              int
	SubmitRetries     int
	CompletionRetries int

	PortalType Category
	AuthID     int

	Grouped          bool
	LastInGroup      bool
	GroupMemberIDs   []int64
	GroupSummaryStep bool
}

// ForQueue builds the initial cursor for a queue-originated batch.
func ForQueue(queueID int64, portalType Category, authID int) Cursor {
	return Cursor{
		Phase:      PhaseSubmit,
		QueueID:    queueID,
		Page:       1,
		PortalType: portalType,
		AuthID:     authID,
	}
}

// ForFile builds the initial cursor for a file-originated batch.
func ForFile(fileID int32, authID int) Cursor {
	return Cursor{
		Phase:  PhaseSubmit,
		FileID: fileID,
		Page:   1,
		AuthID: authID,
	}
}

// WithGroup attaches multi-batch grouping metadata.
func (c Cursor) WithGroup(memberIDs []int64, lastInGroup bool) Cursor {
	c.Grouped = true
	c.LastInGroup = lastInGroup
	c.GroupMemberIDs = append([]int64(nil), memberIDs...)
	return c
}

// PageCursor derives the cursor for another page of the same batch. Retry
// counters reset; fan-out only ever produces fresh pages.
func (c Cursor) PageCursor(page int) Cursor {
	next := c
	next.Phase = PhaseSubmit
	next.Page = page
	next.SubmitRetries = 0
	next.CompletionRetries = 0
	return next
}

// RetryPage derives the cursor for re-running the same page after a
// retryable submission failure.
func (c Cursor) RetryPage() Cursor {
	next := c
	next.Phase = PhaseSubmit
	next.SubmitRetries++
	return next
}

// CompletionCursor hands the batch off to completion detection, carrying
// group metadata forward unchanged.
func (c Cursor) CompletionCursor() Cursor {
	next := c
	next.Phase = PhaseCompletion
	next.SubmitRetries = 0
	return next
}

// RetryCompletion derives the cursor for polling completion again.
func (c Cursor) RetryCompletion() Cursor {
	next := c
	next.Phase = PhaseCompletion
	next.CompletionRetries++
	return next
}

// Ref returns the batch identity the cursor points at.
func (c Cursor) Ref() BatchRef {
	return BatchRef{QueueID: c.QueueID, FileID: c.FileID}
}

// Encode renders the cursor as message attributes.
func (c Cursor) Encode() map[string]string {
	attrs := map[string]string{
		AttrPhase:                string(c.Phase),
		AttrPageNumber:           strconv.Itoa(c.Page),
		AttrSubmitRetryCount:     strconv.Itoa(c.SubmitRetries),
		AttrCompletionRetryCount: strconv.Itoa(c.CompletionRetries),
		AttrPortalType:           strconv.Itoa(int(c.PortalType)),
		AttrAuthID:               strconv.Itoa(c.AuthID),
		AttrIsGroup:              encodeBool(c.Grouped),
		AttrIsLastInGroup:        encodeBool(c.LastInGroup),
		AttrGroupSummaryStep:     encodeBool(c.GroupSummaryStep),
	}
	if c.QueueID != 0 {
		attrs[AttrQueueID] = strconv.FormatInt(c.QueueID, 10)
	}
	if c.FileID != 0 {
		attrs[AttrFileID] = strconv.FormatInt(int64(c.FileID), 10)
	}
	if len(c.GroupMemberIDs) > 0 {
		parts := make([]string, 0, len(c.GroupMemberIDs))
		for _, id := range c.GroupMemberIDs {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		attrs[AttrGroupMemberIDs] = strings.Join(parts, ",")
	}
	return attrs
}

// ParseCursor reads a cursor from message attributes, applying the documented
// defaults for absent fields. Exactly one of queue id or file id must be set.
func ParseCursor(attrs map[string]string) (Cursor, error) {
	c := Cursor{
		Phase: PhaseSubmit,
		Page:  1,
	}

	queueRaw, hasQueue := attrs[AttrQueueID]
	fileRaw, hasFile := attrs[AttrFileID]
	switch {
	case hasQueue && hasFile:
		return Cursor{}, ErrAmbiguousBatchIdentity
	case hasQueue:
		queueID, err := strconv.ParseInt(queueRaw, 10, 64)
		if err != nil {
			return Cursor{}, fmt.Errorf("parse %s: %w", AttrQueueID, err)
		}
		c.QueueID = queueID
	case hasFile:
		fileID, err := strconv.ParseInt(fileRaw, 10, 32)
		if err != nil {
			return Cursor{}, fmt.Errorf("parse %s: %w", AttrFileID, err)
		}
		c.FileID = int32(fileID)
	default:
		return Cursor{}, ErrNoBatchIdentity
	}

	if raw, ok := attrs[AttrPhase]; ok && Phase(raw) == PhaseCompletion {
		c.Phase = PhaseCompletion
	}

	var err error
	if c.Page, err = intAttr(attrs, AttrPageNumber, 1); err != nil {
		return Cursor{}, err
	}
	if c.SubmitRetries, err = intAttr(attrs, AttrSubmitRetryCount, 0); err != nil {
		return Cursor{}, err
	}
	if c.CompletionRetries, err = intAttr(attrs, AttrCompletionRetryCount, 0); err != nil {
		return Cursor{}, err
	}

	portal, err := intAttr(attrs, AttrPortalType, int(CategoryM2M))
	if err != nil {
		return Cursor{}, err
	}
	c.PortalType = Category(portal)

	if c.AuthID, err = intAttr(attrs, AttrAuthID, 0); err != nil {
		return Cursor{}, err
	}

	c.Grouped = attrs[AttrIsGroup] == "1"
	c.LastInGroup = attrs[AttrIsLastInGroup] == "1"
	c.GroupSummaryStep = attrs[AttrGroupSummaryStep] == "1"

	if raw, ok := attrs[AttrGroupMemberIDs]; ok && raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return Cursor{}, fmt.Errorf("parse %s: %w", AttrGroupMemberIDs, err)
			}
			c.GroupMemberIDs = append(c.GroupMemberIDs, id)
		}
	}

	return c, nil
}

func intAttr(attrs map[string]string, key string, def int) (int, error) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
