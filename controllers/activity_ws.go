package controller

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"

	"cadencer/models"
)

// HandleActivityWS streams due-work snapshots to a dashboard client. The
// client opens with {"action": "watch"} and receives one snapshot per
// interval until it disconnects.
func (cc *CadenceController) HandleActivityWS(c *websocket.Conn) {
	defer c.Close()

	var input struct {
		Action   string `json:"action"`
		Interval int    `json:"intervalSeconds"`
	}

	if err := c.ReadJSON(&input); err != nil {
		cc.Logger.WithError(err).Debug("Activity socket closed before handshake")
		return
	}
	if input.Action != "watch" {
		_ = c.WriteJSON(map[string]string{"error": "unknown action"})
		return
	}

	interval := time.Duration(input.Interval) * time.Second
	if interval < time.Second {
		interval = 5 * time.Second
	}

	for {
		res, err := cc.Engine.GetDueActions(context.Background(), models.Today())
		if err != nil {
			cc.Logger.WithError(err).Warn("Activity snapshot failed")
			return
		}

		snapshot := struct {
			Date        models.Date        `json:"date"`
			DueCount    int                `json:"due_count"`
			Actions     []models.DueAction `json:"actions"`
			GeneratedAt time.Time          `json:"generated_at"`
		}{
			Date:        res.Date,
			DueCount:    len(res.Actions),
			Actions:     res.Actions,
			GeneratedAt: time.Now().UTC(),
		}

		if err := c.WriteJSON(snapshot); err != nil {
			// Client went away
			return
		}

		time.Sleep(interval)
	}
}
