package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

// History returns up to limit recorded states of entityID last updated in
// [start, end], oldest first. When more rows match, the newest are kept.
// Removals are not returned.
func (r *Recorder) History(ctx context.Context, entityID string, start, end time.Time, limit int) ([]*state.State, error) {
	if limit <= 0 {
		return []*state.State{}, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, state, attributes, last_changed, last_updated, context_id, user_id
		FROM state_history
		WHERE entity_id = ? AND state IS NOT NULL
		  AND last_updated >= ? AND last_updated <= ?
		ORDER BY last_updated DESC, id DESC
		LIMIT ?`,
		strings.ToLower(entityID), formatTime(start), formatTime(end), limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	out := []*state.State{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func scanState(rows *sql.Rows) (*state.State, error) {
	var (
		st                       state.State
		attrs                    string
		lastChanged, lastUpdated string
		contextID                string
		userID                   sql.NullString
	)
	if err := rows.Scan(&st.EntityID, &st.State, &attrs, &lastChanged, &lastUpdated, &contextID, &userID); err != nil {
		return nil, fmt.Errorf("scanning history row: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &st.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes of %s: %w", st.EntityID, err)
	}

	var err error
	if st.LastChanged, err = time.Parse(timeLayout, lastChanged); err != nil {
		return nil, fmt.Errorf("parsing last_changed of %s: %w", st.EntityID, err)
	}
	if st.LastUpdated, err = time.Parse(timeLayout, lastUpdated); err != nil {
		return nil, fmt.Errorf("parsing last_updated of %s: %w", st.EntityID, err)
	}
	st.Context = core.Context{ID: contextID, UserID: userID.String}
	return &st, nil
}

// Purge deletes rows last updated before cutoff and returns how many
// were removed.
func (r *Recorder) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM state_history WHERE last_updated < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging history: %w", err)
	}
	return n, nil
}

func (r *Recorder) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := r.clock.Now().Add(-r.keep)
			n, err := r.Purge(ctx, cutoff)
			if err != nil {
				r.logger.Error("state history purge failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("purged state history", "rows", n, "before", cutoff)
			}
		}
	}
}
