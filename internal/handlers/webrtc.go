package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type WebRTCHandler struct {
	servers []ICEServer
}

// NewWebRTCHandler builds the ICE server list once. stunServers is comma
// separated; the TURN entry is added only when turnServer is set.
func NewWebRTCHandler(stunServers, turnServer, turnUsername, turnPassword string) *WebRTCHandler {
	var servers []ICEServer
	var stun []string
	for _, s := range strings.Split(stunServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stun = append(stun, s)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, ICEServer{URLs: stun})
	}
	if turnServer != "" {
		servers = append(servers, ICEServer{
			URLs:       []string{turnServer},
			Username:   turnUsername,
			Credential: turnPassword,
		})
	}
	if servers == nil {
		servers = []ICEServer{}
	}
	return &WebRTCHandler{servers: servers}
}

func (h *WebRTCHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.servers})
}
