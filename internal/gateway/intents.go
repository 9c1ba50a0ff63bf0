package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/session"
)

// ClientIntent is one client-to-server request over the WebSocket.
type ClientIntent struct {
	Action      string `json:"action"`
	Name        string `json:"name,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Token       string `json:"token,omitempty"`
	Link        string `json:"link,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Value       string `json:"value,omitempty"`
}

const (
	actionCreateSession = "create_session"
	actionJoinSession   = "join_session"
	actionImportToken   = "import_token"
	actionOpenLink      = "open_link"
	actionAddTask       = "add_task"
	actionSelectTask    = "select_task"
	actionCastVote      = "cast_vote"
	actionRevealVotes   = "reveal_votes"
	actionNextRound     = "next_round"
	actionLeaveSession  = "leave_session"
	actionShareToken    = "share_token"
)

const intentTimeout = 15 * time.Second

// handleClientMessage parses and dispatches one client intent.
func (c *Connection) handleClientMessage(message []byte) {
	var intent ClientIntent
	if err := json.Unmarshal(message, &intent); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("dropping unparseable client message")
		c.sendError(fmt.Errorf("unparseable intent: %w", err))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("action", intent.Action).
		Msg("received client intent")

	ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
	defer cancel()

	switch intent.Action {
	case actionCreateSession:
		c.createSession(ctx, intent)

	case actionJoinSession:
		c.joinSession(ctx, intent.SessionID, intent.Name)

	case actionImportToken:
		c.importToken(ctx, intent.Token, intent.Name)

	case actionOpenLink:
		ref, err := ParseShareLink(intent.Link)
		if err != nil {
			c.sendError(err)
			return
		}
		if ref.Token != "" {
			c.importToken(ctx, ref.Token, intent.Name)
			return
		}
		c.joinSession(ctx, ref.SessionID, intent.Name)

	case actionAddTask:
		taskID, err := c.coord.AddTask(ctx, intent.Title, intent.Description)
		if err != nil {
			c.sendError(err)
			return
		}
		c.sendFrame(Frame{Type: frameTask, TaskID: taskID})

	case actionSelectTask:
		if err := c.coord.SelectTask(ctx, intent.TaskID); err != nil {
			c.sendError(err)
		}

	case actionCastVote:
		if err := c.coord.CastVote(ctx, session.CardValue(intent.Value)); err != nil {
			c.sendError(err)
		}

	case actionRevealVotes:
		if err := c.coord.RevealVotes(ctx); err != nil {
			c.sendError(err)
		}

	case actionNextRound:
		if err := c.coord.NextRound(ctx); err != nil {
			c.sendError(err)
		}

	case actionLeaveSession:
		if err := c.coord.LeaveSession(ctx); err != nil {
			c.sendError(err)
			return
		}
		c.Manager.unbindSession(c)
		c.sendFrame(Frame{Type: frameLeft})

	case actionShareToken:
		token, err := c.coord.ShareToken()
		if err != nil {
			c.sendError(err)
			return
		}
		sessionID, _ := c.coord.SessionID()
		c.sendFrame(Frame{
			Type:      frameToken,
			SessionID: sessionID,
			Token:     token,
			Link:      BuildShareLink(sessionID, token),
		})

	default:
		c.sendError(fmt.Errorf("unknown action %q", intent.Action))
	}
}

func (c *Connection) createSession(ctx context.Context, intent ClientIntent) {
	sessionID, participantID, err := c.coord.CreateSession(ctx, intent.Name)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Manager.bindSession(c, sessionID)
	c.sendFrame(Frame{
		Type:          frameCreated,
		SessionID:     sessionID,
		ParticipantID: participantID,
	})
}

func (c *Connection) joinSession(ctx context.Context, sessionID, name string) {
	participantID, err := c.coord.JoinSession(ctx, sessionID, name)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Manager.bindSession(c, sessionID)
	c.sendFrame(Frame{
		Type:          frameJoined,
		SessionID:     sessionID,
		ParticipantID: participantID,
	})
}

func (c *Connection) importToken(ctx context.Context, token, name string) {
	participantID, err := c.coord.ImportShareToken(ctx, token, name)
	if err != nil {
		c.sendError(err)
		return
	}
	sessionID, _ := c.coord.SessionID()
	c.Manager.bindSession(c, sessionID)
	c.sendFrame(Frame{
		Type:          frameJoined,
		SessionID:     sessionID,
		ParticipantID: participantID,
	})
}
