package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/mesh"
	"github.com/dkeye/VoiceMesh/internal/runloop"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/dkeye/VoiceMesh/internal/voice"
	"github.com/dkeye/VoiceMesh/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller exposes the mesh to UI layers. Every mutation runs on the loop.
type Controller struct {
	Loop  *runloop.Loop
	Bus   *eventbus.Bus
	State *state.Manager
	Peers *mesh.PeerManager
	Voice *voice.Manager
}

type ConnectRequest struct {
	ID domain.PeerID `json:"id"`
}

type PeerStatus struct {
	ID     domain.PeerID `json:"id"`
	Status string        `json:"status"`
}

type BroadcastRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotInChannel):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSelfConnect), errors.Is(err, wire.ErrEmptyType):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRenegotiation):
		return http.StatusBadGateway
	case errors.Is(err, runloop.ErrStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// run executes fn on the loop within the request's lifetime.
func (ctl *Controller) run(c *gin.Context, fn func() error) bool {
	if err := ctl.Loop.Call(c.Request.Context(), fn); err != nil {
		fail(c, err)
		return false
	}
	return true
}

func (ctl *Controller) getState(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusOK, ctl.State.Snapshot())
		return
	}
	v, ok := ctl.State.Get(state.Path(path))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no value at path", "path": path})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": v})
}

func (ctl *Controller) listPeers(c *gin.Context) {
	var out []PeerStatus
	ok := ctl.run(c, func() error {
		for _, id := range ctl.Peers.OpenPeers() {
			out = append(out, PeerStatus{ID: id, Status: ctl.Peers.Status(id).String()})
		}
		return nil
	})
	if ok {
		c.JSON(http.StatusOK, gin.H{"peers": out})
	}
}

func (ctl *Controller) connectPeer(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid id"})
		return
	}
	var st mesh.Status
	ok := ctl.run(c, func() error {
		if err := ctl.Peers.Connect(req.ID); err != nil {
			return err
		}
		st = ctl.Peers.Status(req.ID)
		return nil
	})
	if ok {
		c.JSON(http.StatusAccepted, PeerStatus{ID: req.ID, Status: st.String()})
	}
}

func (ctl *Controller) disconnectPeer(c *gin.Context) {
	id := domain.PeerID(c.Param("id"))
	if ctl.run(c, func() error { ctl.Peers.Disconnect(id); return nil }) {
		c.Status(http.StatusNoContent)
	}
}

func (ctl *Controller) broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid type"})
		return
	}
	if req.Type == wire.TypeHandshake || req.Type == wire.TypeVoiceState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reserved message type"})
		return
	}
	msg, err := wire.NewMessage(req.Type, req.Payload)
	if err != nil {
		fail(c, err)
		return
	}
	var res mesh.PublishResult
	if ctl.run(c, func() error {
		res, err = ctl.Peers.Broadcast(msg)
		return err
	}) {
		c.JSON(http.StatusOK, res)
	}
}

func (ctl *Controller) join(c *gin.Context) {
	ctx := c.Request.Context()
	if ctl.run(c, func() error { return ctl.Voice.Join(ctx) }) {
		c.JSON(http.StatusOK, ctl.State.Voice())
	}
}

func (ctl *Controller) leave(c *gin.Context) {
	if ctl.run(c, func() error { ctl.Voice.Leave(); return nil }) {
		c.JSON(http.StatusOK, ctl.State.Voice())
	}
}

func (ctl *Controller) toggle(c *gin.Context, fn func() (bool, error)) {
	var on bool
	if ctl.run(c, func() error {
		var err error
		on, err = fn()
		return err
	}) {
		c.JSON(http.StatusOK, ToggleResponse{Enabled: on})
	}
}

func (ctl *Controller) toggleMic(c *gin.Context) {
	ctl.toggle(c, ctl.Voice.ToggleMicrophone)
}

func (ctl *Controller) toggleCamera(c *gin.Context) {
	ctx := c.Request.Context()
	ctl.toggle(c, func() (bool, error) { return ctl.Voice.ToggleCamera(ctx) })
}

func (ctl *Controller) toggleScreen(c *gin.Context) {
	ctx := c.Request.Context()
	ctl.toggle(c, func() (bool, error) { return ctl.Voice.ToggleScreenShare(ctx) })
}
