// Package httpapi exposes the MAC engine to the outside world over
// HTTP: device introspection, activation control, uplink submission
// and an event-history feed. Prometheus metrics are served separately
// (see cmd/macd), matching the teacher's split between its webserver
// and metrics listeners.
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/loramac/macd/appcodec"
	"github.com/loramac/macd/events"
	"github.com/loramac/macd/mac"
)

// Server is the gin-backed introspection API for a single macd
// process's MAC engine.
type Server struct {
	Address string
	Port    int
	Router  *gin.Engine

	device *mac.Device
	broker *events.Broker
	codec  *appcodec.Runtime
}

// New builds a Server's router. codec may be nil if no application
// payload codec was configured; the /api/codec/* routes then report
// 404.
func New(address string, port int, device *mac.Device, broker *events.Broker, codec *appcodec.Runtime) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowMethods = []string{"GET", "POST"}
	router.Use(cors.New(corsConfig))

	s := &Server{Address: address, Port: port, Router: router, device: device, broker: broker, codec: codec}

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/join-state", s.getJoinState)
		api.POST("/connect", s.postConnect)
		api.POST("/connect-abp", s.postConnectABP)
		api.POST("/disconnect", s.postDisconnect)
		api.POST("/send", s.postSend)
		api.GET("/receive", s.getReceive)
		api.GET("/events", s.getEvents)
		api.POST("/adr", s.postADR)
		api.POST("/datarate", s.postDatarate)
		api.GET("/codec", s.getCodec)
		api.POST("/codec", s.postCodec)
	}

	return s
}

// Run blocks serving the introspection API.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.Address, s.Port)
	return s.Router.Run(addr)
}

func errStatus(err error) int {
	switch err {
	case mac.ErrParameterInvalid, mac.ErrLengthError:
		return http.StatusBadRequest
	case mac.ErrNoActiveSession:
		return http.StatusConflict
	case mac.ErrBusy, mac.ErrWouldBlock:
		return http.StatusTooManyRequests
	case mac.ErrDeviceOff:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
