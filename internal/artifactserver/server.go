// Package artifactserver exposes the prompt cache over HTTP so the telephony
// transport can fetch rendered audio. It is a static responder over the
// cache's on-disk layout and carries no authentication.
package artifactserver

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/ttscache"
)

// Server serves cached artifacts at GET /aststasisutil/tts/{nodeID}/{fileID}.
type Server struct {
	root   string
	logger zerolog.Logger
	router *mux.Router
}

// New constructs the artifact server over the cache root directory.
func New(cacheRoot string, logger zerolog.Logger) *Server {
	s := &Server{
		root:   cacheRoot,
		logger: logger.With().Str("component", "artifactserver").Logger(),
	}
	r := mux.NewRouter()
	r.HandleFunc(ttscache.PublicPathPrefix+"/{nodeID}/{fileID}", s.serveArtifact).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nodeID := ttscache.SanitizeNodeID(vars["nodeID"])
	fileID := filepath.Base(vars["fileID"])
	if nodeID == "" || fileID == "" || fileID == "." {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.root, nodeID, fileID)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		s.logger.Debug().Str("path", path).Msg("artifact not found")
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType(fileID))
	http.ServeFile(w, r, path)
}

func contentType(fileID string) string {
	switch strings.ToLower(filepath.Ext(fileID)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
