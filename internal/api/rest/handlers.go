package rest

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/livepoll/internal/api"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"github.com/lvdashuaibi/livepoll/internal/live"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"go.uber.org/zap"
)

const snapshotEvent = "snapshot"

type PollHandler struct {
	polls *service.PollService
	votes *service.VoteService
	hub   *live.Hub
	log   *zap.Logger
}

type CreatePollRequest struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

type VoteRequest struct {
	OptionID string `json:"optionId"`
}

type PushTargetRequest struct {
	Token string `json:"token"`
}

func NewPollHandler(polls *service.PollService, votes *service.VoteService, hub *live.Hub, log *zap.Logger) *PollHandler {
	return &PollHandler{
		polls: polls,
		votes: votes,
		hub:   hub,
		log:   log.With(zap.String("component", "rest")),
	}
}

func (h *PollHandler) CreatePoll(c *gin.Context) {
	var req CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数无效"})
		return
	}

	poll, err := h.polls.Create(c.Request.Context(), req.Name, req.Options)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, poll)
}

func (h *PollHandler) LatestPolls(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit必须是整数"})
			return
		}
		limit = n
	}

	polls, err := h.polls.Latest(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, polls)
}

func (h *PollHandler) GetPoll(c *gin.Context) {
	poll, err := h.polls.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

func (h *PollHandler) Vote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数无效"})
		return
	}

	poll, err := h.votes.Vote(c.Request.Context(), c.Param("id"), c.GetString(auth.UserIDKey), req.OptionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

func (h *PollHandler) MyVote(c *gin.Context) {
	vote, err := h.votes.MyVote(c.Request.Context(), c.Param("id"), c.GetString(auth.UserIDKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vote)
}

// StreamPoll 以SSE推送投票快照，客户端断开时取消订阅
func (h *PollHandler) StreamPoll(c *gin.Context) {
	sub, err := h.hub.Subscribe(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		poll, ok := <-sub.C()
		if !ok {
			return false
		}
		c.SSEvent(snapshotEvent, poll)
		return true
	})
}

func (h *PollHandler) RegisterPushTarget(c *gin.Context) {
	var req PushTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数无效"})
		return
	}

	if err := h.hub.RegisterPushTarget(c.Request.Context(), c.Param("id"), c.Param("deviceId"), req.Token); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PollHandler) writeError(c *gin.Context, err error) {
	kind, msg := api.Classify(err)
	if kind == api.KindInternal || kind == api.KindUnavailable {
		h.log.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(api.HTTPStatus(kind), gin.H{"error": msg, "code": kind})
}
