package sessions

import (
	"time"
)

// OuterSession is the user-visible conversation container. Each one owns a
// forest of inner sessions; at most one of them is current.
type OuterSession struct {
	ID                    int64                  `json:"id"`
	UserID                int64                  `json:"user_id"`
	SessionName           string                 `json:"session_name"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	IsActive              bool                   `json:"is_active"`
	InnerSessionIDs       []string               `json:"internal_session_ids"`
	CurrentInnerSessionID string                 `json:"current_internal_session_id,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
	BranchCount           int                    `json:"branch_count"`
	TotalCheckpoints      int                    `json:"total_checkpoints"`
}

// NewOuterSession creates an active outer session for a user.
func NewOuterSession(userID int64, name string) *OuterSession {
	now := time.Now()
	return &OuterSession{
		UserID:          userID,
		SessionName:     name,
		CreatedAt:       now,
		UpdatedAt:       now,
		IsActive:        true,
		InnerSessionIDs: []string{},
		Metadata:        make(map[string]interface{}),
	}
}

// AddInnerSession registers a timeline by its graph session ID and makes it
// current. Adding an ID twice is a no-op. Branch additions bump the branch
// counter.
func (s *OuterSession) AddInnerSession(graphSessionID string, isBranch bool) {
	for _, id := range s.InnerSessionIDs {
		if id == graphSessionID {
			return
		}
	}
	s.InnerSessionIDs = append(s.InnerSessionIDs, graphSessionID)
	s.CurrentInnerSessionID = graphSessionID
	if isBranch {
		s.BranchCount++
	}
	s.UpdatedAt = time.Now()
}

// SetCurrentInnerSession switches the current timeline. Returns false when
// the ID is not registered on this session.
func (s *OuterSession) SetCurrentInnerSession(graphSessionID string) bool {
	for _, id := range s.InnerSessionIDs {
		if id == graphSessionID {
			s.CurrentInnerSessionID = graphSessionID
			s.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// BranchInfo returns branch statistics for display.
func (s *OuterSession) BranchInfo() map[string]interface{} {
	return map[string]interface{}{
		"total_branches":  s.BranchCount,
		"total_sessions":  len(s.InnerSessionIDs),
		"current_session": s.CurrentInnerSessionID,
		"is_branched":     s.BranchCount > 0,
	}
}

// UpdateMetadata merges entries into the session metadata.
func (s *OuterSession) UpdateMetadata(metadata map[string]interface{}) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	s.UpdatedAt = time.Now()
}

// IncrementCheckpointCount bumps the aggregate checkpoint counter.
func (s *OuterSession) IncrementCheckpointCount() {
	s.TotalCheckpoints++
	s.UpdatedAt = time.Now()
}

// Age returns how long ago the session was created.
func (s *OuterSession) Age() time.Duration {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(s.CreatedAt)
}
