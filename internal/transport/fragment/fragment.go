// Package fragment implements the share-token transport: the entire
// session state serialized into a compact URL-safe token suitable for a
// page fragment. There is no push channel; every local mutation re-derives
// the token and distribution is manual.
package fragment

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pointdeck/pointdeck/internal/session"
)

// MaxTokenLen is the practical fragment length ceiling. Tokens over this
// size are re-encoded as a reduced-fidelity projection.
const MaxTokenLen = 2000

// maxReducedTitleLen bounds task titles in the reduced projection.
const maxReducedTitleLen = 40

// Short-field wire forms. Zero values are omitted so empty sessions stay
// tiny. VotingOff stores the negated flag: the common open state encodes
// to nothing. Timestamps travel as Unix milliseconds, so the token
// round-trips any millisecond-aligned state exactly.
type wireState struct {
	ID          string            `json:"i"`
	Host        string            `json:"h"`
	Version     uint64            `json:"v"`
	Created     int64             `json:"c,omitempty"`
	CurrentTask string            `json:"t,omitempty"`
	Revealed    bool              `json:"r,omitempty"`
	VotingOff   bool              `json:"x,omitempty"`
	Members     []wireMember      `json:"p,omitempty"`
	Tasks       []wireTask        `json:"k,omitempty"`
	Votes       map[string]string `json:"w,omitempty"`
}

type wireMember struct {
	ID       string `json:"i"`
	Name     string `json:"n"`
	Host     bool   `json:"h,omitempty"`
	Gone     bool   `json:"g,omitempty"`
	Joined   int64  `json:"j,omitempty"`
	LastSeen int64  `json:"l,omitempty"`
}

type wireTask struct {
	ID      string `json:"i"`
	Title   string `json:"t"`
	Desc    string `json:"d,omitempty"`
	Created int64  `json:"c,omitempty"`
	By      string `json:"b,omitempty"`
}

// Encode serializes snap into a URL-safe token. When the full encoding
// exceeds MaxTokenLen it falls back to a reduced projection: task
// descriptions dropped, titles truncated, votes omitted unless revealed.
func Encode(snap session.Snapshot) (string, error) {
	token, err := encode(toWire(snap))
	if err != nil {
		return "", err
	}
	if len(token) <= MaxTokenLen {
		return token, nil
	}

	reduced := toWire(snap)
	for i := range reduced.Tasks {
		reduced.Tasks[i].Desc = ""
		if title := []rune(reduced.Tasks[i].Title); len(title) > maxReducedTitleLen {
			reduced.Tasks[i].Title = string(title[:maxReducedTitleLen])
		}
	}
	if !snap.VotesRevealed {
		reduced.Votes = nil
	}
	return encode(reduced)
}

// Decode is the inverse of Encode. Any malformed input fails with
// session.ErrInvalidShareToken; a corrupt token is never partially applied.
func Decode(token string) (session.Snapshot, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: bad encoding: %v", session.ErrInvalidShareToken, err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	raw, err := io.ReadAll(fr)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: bad compression: %v", session.ErrInvalidShareToken, err)
	}
	if err := fr.Close(); err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: bad compression: %v", session.ErrInvalidShareToken, err)
	}

	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: unparseable structure: %v", session.ErrInvalidShareToken, err)
	}
	if !session.ValidID(w.ID) {
		return session.Snapshot{}, fmt.Errorf("%w: bad session id %q", session.ErrInvalidShareToken, w.ID)
	}
	return fromWire(w), nil
}

func encode(w wireState) (string, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal share state: %w", err)
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("init compressor: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return "", fmt.Errorf("compress share state: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("compress share state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toWire(snap session.Snapshot) wireState {
	w := wireState{
		ID:          snap.ID,
		Host:        snap.HostID,
		Version:     snap.Version,
		Created:     toMilli(snap.CreatedAt),
		CurrentTask: snap.CurrentTaskID,
		Revealed:    snap.VotesRevealed,
		VotingOff:   !snap.VotingEnabled,
	}
	for _, p := range snap.Participants {
		w.Members = append(w.Members, wireMember{
			ID:       p.ID,
			Name:     p.Name,
			Host:     p.IsHost,
			Gone:     !p.Connected,
			Joined:   toMilli(p.JoinedAt),
			LastSeen: toMilli(p.LastSeen),
		})
	}
	for _, t := range snap.Tasks {
		w.Tasks = append(w.Tasks, wireTask{
			ID:      t.ID,
			Title:   t.Title,
			Desc:    t.Description,
			Created: toMilli(t.CreatedAt),
			By:      t.CreatedBy,
		})
	}
	if len(snap.Votes) > 0 {
		w.Votes = make(map[string]string, len(snap.Votes))
		for id, v := range snap.Votes {
			w.Votes[id] = string(v)
		}
	}
	return w
}

func fromWire(w wireState) session.Snapshot {
	snap := session.Snapshot{
		ID:            w.ID,
		HostID:        w.Host,
		CreatedAt:     fromMilli(w.Created),
		CurrentTaskID: w.CurrentTask,
		VotingEnabled: !w.VotingOff,
		VotesRevealed: w.Revealed,
		Version:       w.Version,
		Votes:         make(map[string]session.CardValue, len(w.Votes)),
	}
	for _, m := range w.Members {
		snap.Participants = append(snap.Participants, session.Participant{
			ID:        m.ID,
			Name:      m.Name,
			IsHost:    m.Host,
			Connected: !m.Gone,
			JoinedAt:  fromMilli(m.Joined),
			LastSeen:  fromMilli(m.LastSeen),
		})
	}
	for _, t := range w.Tasks {
		snap.Tasks = append(snap.Tasks, session.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Desc,
			CreatedAt:   fromMilli(t.Created),
			CreatedBy:   t.By,
		})
	}
	for id, v := range w.Votes {
		snap.Votes[id] = session.CardValue(v)
	}
	return snap
}
