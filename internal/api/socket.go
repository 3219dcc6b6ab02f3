package api

import (
	"net/http"

	"github.com/apex/log"

	"busrelay/internal/metrics"
	"busrelay/internal/model"
	"busrelay/internal/relay"
)

// SocketHandler handles GET /ws. The credential is verified before any event
// handling is attached; a failed verification is reported on the socket and
// the socket is closed.
func (s *Server) SocketHandler(w http.ResponseWriter, r *http.Request) {
	token, role, entity := handshakeCredentials(r)
	identity, authErr := s.Auth.Verify(token, role)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Handshakes.WithLabelValues("upgrade_failed").Inc()
		log.WithError(err).WithFields(s.logTags).Debug("Websocket upgrade failed")
		return
	}
	if authErr != nil {
		metrics.Handshakes.WithLabelValues("unauthenticated").Inc()
		log.WithError(authErr).WithFields(s.logTags).WithField("remote", r.RemoteAddr).Warn("Rejected socket handshake")
		relay.Reject(conn, authErr.Error(), s.opts.WriteWait)
		return
	}
	metrics.Handshakes.WithLabelValues("accepted").Inc()
	s.Broker.Serve(s.baseCtx, conn, identity, model.ID(entity))
}
