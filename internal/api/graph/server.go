package graph

import (
	"net/http"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/livepoll/internal/live"
	"github.com/lvdashuaibi/livepoll/internal/service"
	"go.uber.org/zap"
)

// Server GraphQL服务，挂载在REST服务的gin引擎上
type Server struct {
	schema  *graphql.Schema
	handler *relay.Handler
}

// NewServer 解析Schema并创建处理器
func NewServer(polls *service.PollService, votes *service.VoteService, hub *live.Hub, log *zap.Logger) *Server {
	resolver := NewResolver(polls, votes, hub, log)
	schema := graphql.MustParseSchema(schemaString, resolver)

	return &Server{
		schema:  schema,
		handler: &relay.Handler{Schema: schema},
	}
}

// Handler 返回标准 http.Handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Mount 注册GraphQL端点，身份由gin上的认证中间件写入请求context
func (s *Server) Mount(r gin.IRoutes, path string) {
	r.POST(path, gin.WrapH(s.handler))
}
