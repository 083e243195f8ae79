package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lbaudoin/quizshow/internal/errors"
	"github.com/lbaudoin/quizshow/internal/game"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type (
	inboundMessage struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	outboundMessage struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}

	errorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// serveWS upgrades the request and streams session and roster snapshots to
// the client until it disconnects. Every client sees the same authoritative
// state; the current snapshot is delivered immediately on connect, so a
// mid-game joiner or a reloaded page converges without any catch-up protocol.
//
// The single writer goroutine owns the connection for writes; everything else
// funnels through the send channel.
func (a *API) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	ctx := c.Request.Context()

	sessions, cancelSession, err := a.store.Subscribe(ctx, game.CollectionSession, game.SessionDocumentID)
	if err != nil {
		slog.Error("ws: subscribe session", "client_id", clientID, "error", err)
		return
	}
	defer cancelSession()

	rosters, cancelRoster, err := a.store.SubscribeCollection(ctx, game.CollectionParticipants)
	if err != nil {
		slog.Error("ws: subscribe participants", "client_id", clientID, "error", err)
		return
	}
	defer cancelRoster()

	send := make(chan outboundMessage, 16)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	forwardDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("ws: write failed", "client_id", clientID, "error", err)
				return
			}
		}
	}()

	go func() {
		defer close(forwardDone)
		for {
			var msg outboundMessage
			select {
			case snap, ok := <-sessions:
				if !ok {
					return
				}
				if !snap.Exists {
					continue
				}
				msg = outboundMessage{Type: "session", Payload: a.toSessionView(game.DecodeSession(snap.Fields))}

			case docs, ok := <-rosters:
				if !ok {
					return
				}
				views := make([]participantView, 0, len(docs))
				for _, d := range docs {
					views = append(views, toParticipantView(game.DecodeParticipant(d)))
				}
				msg = outboundMessage{Type: "participants", Payload: views}

			case <-done:
				return
			}

			select {
			case send <- msg:
			case <-writerDone:
				return
			case <-done:
				return
			}
		}
	}()

	// trySend queues a message for the writer. It must never block on a dead
	// writer: a client that keeps sending after a write error would fill the
	// buffer and wedge the read loop here.
	trySend := func(msg outboundMessage) bool {
		select {
		case send <- msg:
			return true
		case <-writerDone:
			return false
		}
	}

	// Read loop. Answers are accepted over the socket so a client needs one
	// connection for the whole game; everything else still works over REST.
readLoop:
	for {
		var in inboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			break
		}

		switch in.Type {
		case "answer":
			var req answerRequest
			if err := json.Unmarshal(in.Payload, &req); err != nil {
				if !trySend(errorMessage(errors.New(errors.CodeInvalidArgument,
					errors.WithMessagef("invalid answer payload")))) {
					break readLoop
				}
				continue
			}

			res, err := a.game.SubmitAnswer(ctx, req.ParticipantID, req.QuestionIndex, req.Option)
			if err != nil {
				if !trySend(errorMessage(err)) {
					break readLoop
				}
				continue
			}

			if !trySend(outboundMessage{Type: "answerResult", Payload: answerResponse{
				Correct:         res.Correct,
				ScoreDelta:      res.ScoreDelta,
				Score:           res.Score,
				TimeTaken:       res.TimeTaken,
				TotalAnswerTime: res.TotalAnswerTime,
			}}) {
				break readLoop
			}

		default:
			if !trySend(errorMessage(errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("unsupported message type %q", in.Type)))) {
				break readLoop
			}
		}
	}

	cancelSession()
	cancelRoster()
	close(done)
	<-forwardDone
	close(send)
	<-writerDone
}

func errorMessage(err error) outboundMessage {
	e := errors.Convert(err)
	return outboundMessage{Type: "error", Payload: errorPayload{
		Code:    e.CodeName(),
		Message: e.Message,
	}}
}
