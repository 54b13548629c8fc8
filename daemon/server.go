// Package daemon implements the cache server of spec.md §4.5: one
// listening Unix-domain socket, per-connection request/reply handling,
// and the five RPC operations. The spec describes a single-threaded
// epoll event loop; Go's idiomatic equivalent is a goroutine per
// connection with all store mutations serialized behind one mutex
// (SPEC_FULL.md §5's "debug-mode thread key check" becomes a real lock
// here, not just an assertion).
package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/cmn/mono"
	"github.com/open-lmake/buildcache/dbdriver"
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/rpcwire"
)

// connState is the per-connection ledger spec.md §4.5.2 requires: the
// repo-key this connection interned at Config time, and every upload
// ticket it has outstanding (so a disconnect can dismiss them all).
type connState struct {
	id       string
	keyID    uint32
	repoKey  string
	tickets  map[string]struct{}
}

// Server is the cache daemon: one Cache, one upload-ticket allocator, one
// side file recording interned repo keys, and the live connection table.
type Server struct {
	Cache    *cache.Cache
	Config   *cmn.Config
	SideKeys *dbdriver.SideKeys
	tickets  *UploadTickets

	mu sync.Mutex // serializes all Cache/store mutations (the single-writer rule)

	ln        net.Listener
	connsMu   sync.Mutex
	conns     map[string]*connState
	liveConns atomic.Int64
}

// NewServer wires a Server over an already-open Cache and side-key store.
func NewServer(c *cache.Cache, cfg *cmn.Config, sk *dbdriver.SideKeys) (*Server, error) {
	tickets, err := NewUploadTickets()
	if err != nil {
		return nil, err
	}
	return &Server{
		Cache:    c,
		Config:   cfg,
		SideKeys: sk,
		tickets:  tickets,
		conns:    make(map[string]*connState),
	}, nil
}

// Serve listens on the configured socket and accepts connections until
// Accept fails. It writes the server.mrkr sentinel file on entry and
// removes it on exit; it installs no signal handling of its own.
func (s *Server) Serve() error {
	if err := os.MkdirAll(filepath.Dir(s.Config.Socket), 0o755); err != nil {
		return err
	}
	_ = os.Remove(s.Config.Socket)
	ln, err := net.Listen("unix", s.Config.Socket)
	if err != nil {
		return err
	}
	s.ln = ln

	markerPath := filepath.Join(s.Config.AdminDir, "server.mrkr")
	if err := os.WriteFile(markerPath, []byte{}, 0o644); err != nil {
		ln.Close()
		return err
	}
	defer os.Remove(markerPath)
	defer ln.Close()

	glog.Infof("daemon: listening on %s", s.Config.Socket)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			g.Go(func() error {
				s.handleConn(conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := rpcwire.WriteMagic(conn); err != nil {
		glog.Warningf("daemon: magic handshake failed: %v", err)
		return
	}

	cs := &connState{id: uuid.NewString(), tickets: make(map[string]struct{})}
	s.connsMu.Lock()
	s.conns[cs.id] = cs
	s.connsMu.Unlock()
	s.liveConns.Inc()

	defer func() {
		s.dismissConn(cs)
		s.connsMu.Lock()
		delete(s.conns, cs.id)
		s.connsMu.Unlock()
		if s.liveConns.Dec() == 0 {
			s.emptyTrash()
		}
	}()

	for {
		req, err := rpcwire.ReadMessage(conn)
		if err != nil {
			return // disconnect or framing error: drop the connection
		}

		// A request arriving on a different socket from the one that ran
		// Config (the job-executor upload path) carries conn_id instead
		// of relying on cs; reattach to the originating ledger entry.
		target := cs
		if req.ConnID != "" && req.ConnID != cs.id {
			s.connsMu.Lock()
			if other, ok := s.conns[req.ConnID]; ok {
				target = other
			}
			s.connsMu.Unlock()
		}

		reply, err := s.dispatch(target, req)
		if err != nil {
			reply = rpcwire.Message{Kind: req.Kind, ConnID: target.id, Fields: rpcwire.Fields{"error": err.Error()}}
		}
		if err := rpcwire.WriteMessage(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cs *connState, req rpcwire.Message) (rpcwire.Message, error) {
	now := mono.NanoTime()
	switch req.Kind {
	case rpcwire.KindConfig:
		return s.handleConfig(cs, req)
	case rpcwire.KindDownload:
		return s.handleDownload(cs, req, now)
	case rpcwire.KindUpload:
		return s.handleUpload(cs, req)
	case rpcwire.KindCommit:
		return s.handleCommit(cs, req, now)
	case rpcwire.KindDismiss:
		return s.handleDismiss(cs, req)
	default:
		return rpcwire.Message{}, errors.Errorf("daemon: unknown request kind %v", req.Kind)
	}
}

// handleConfig interns the caller's repo_key, bumps its refcount,
// persists the id->key mapping, and returns the effective config plus
// the freshly assigned conn id (spec.md §4.5.2).
func (s *Server) handleConfig(cs *connState, req rpcwire.Message) (rpcwire.Message, error) {
	repoKey, _ := req.Fields["repo_key"].(string)

	s.mu.Lock()
	keyID, err := s.Cache.S.Keys.Intern(repoKey)
	if err == nil {
		s.Cache.S.Keys.IncRef(keyID)
	}
	s.mu.Unlock()
	if err != nil {
		return rpcwire.Message{}, err
	}

	cs.keyID = keyID
	cs.repoKey = repoKey
	if s.SideKeys != nil {
		if err := s.SideKeys.Put(keyID, repoKey); err != nil {
			glog.Warningf("daemon: side-key persist failed: %v", err)
		}
	}

	return rpcwire.Message{
		Kind:   rpcwire.KindConfig,
		ConnID: cs.id,
		Fields: rpcwire.Fields{
			"max_size":         s.Config.MaxSize,
			"max_runs_per_job": uint32(s.Config.MaxRunsPerJob),
		},
	}, nil
}

// handleDownload looks up the job, canonicalizes the caller's digest in
// download mode, matches, and fills the reply with (hit-kind, key,
// key_is_last).
func (s *Server) handleDownload(cs *connState, req rpcwire.Message, now int64) (rpcwire.Message, error) {
	jobName, _ := req.Fields["job"].(string)
	deps := fieldsToDeps(req.Fields["deps"])

	s.mu.Lock()
	outcome, match, err := s.Cache.Match(jobName, deps, now)
	s.mu.Unlock()
	if err != nil {
		return rpcwire.Message{}, err
	}

	return rpcwire.Message{
		Kind:   rpcwire.KindDownload,
		ConnID: cs.id,
		Fields: rpcwire.Fields{
			"outcome":     uint32(outcome),
			"key":         match.Key,
			"key_is_last": match.KeyIsLast,
		},
	}, nil
}

// handleUpload reserves sz bytes of headroom (mk_room) and allocates an
// upload ticket, returning the reserved filename prefix.
func (s *Server) handleUpload(cs *connState, req rpcwire.Message) (rpcwire.Message, error) {
	sz := int64(asUint64(req.Fields["sz"]))

	s.mu.Lock()
	err := s.Cache.E.MkRoom(sz, s.tickets.TotalReserved(), 0, mono.NanoTime())
	s.mu.Unlock()
	if err != nil {
		return rpcwire.Message{}, err
	}

	ticket, err := s.tickets.Reserve(sz)
	if err != nil {
		return rpcwire.Message{}, err
	}
	cs.tickets[ticket] = struct{}{}

	return rpcwire.Message{
		Kind:   rpcwire.KindUpload,
		ConnID: cs.id,
		Fields: rpcwire.Fields{
			"ticket":   ticket,
			"filename": filepath.Join(s.Config.AdminDir, "reserved", ticket),
		},
	}, nil
}

// handleCommit releases the ticket's reservation, canonicalizes the
// digest in upload mode, runs insert, and renames the reserved files to
// their run-canonical names. A conflicting internal outcome is dropped
// silently (spec.md §4.5.2): the engine is never told.
func (s *Server) handleCommit(cs *connState, req rpcwire.Message, now int64) (rpcwire.Message, error) {
	ticket, _ := req.Fields["ticket"].(string)
	jobName, _ := req.Fields["job"].(string)
	keyName, _ := req.Fields["key"].(string)
	keyIsLast := asBool(req.Fields["key_is_last"])
	nStatics := asUint32(req.Fields["n_statics"])
	rate := uint8(asUint32(req.Fields["rate"]))
	deps := fieldsToDeps(req.Fields["deps"])

	sz, ok := s.tickets.Release(ticket)
	delete(cs.tickets, ticket)
	if !ok {
		return rpcwire.Message{}, errors.Errorf("daemon: commit: unknown ticket %q", ticket)
	}

	s.mu.Lock()
	outcome, err := s.Cache.Insert(jobName, nStatics, deps, keyName, keyIsLast, sz, rate, now)
	s.mu.Unlock()
	if err != nil {
		glog.Warningf("daemon: commit insert failed (dropped silently): %v", err)
		return rpcwire.Message{Kind: rpcwire.KindCommit, ConnID: cs.id}, nil
	}

	if outcome == digest.Miss {
		suffix := "first"
		if keyIsLast {
			suffix = "last"
		}
		s.renameReserved(ticket, jobName, keyName, suffix)
	} else {
		s.removeReserved(ticket)
	}

	return rpcwire.Message{Kind: rpcwire.KindCommit, ConnID: cs.id}, nil
}

// handleDismiss releases a reservation without committing it, unlinking
// its reserved files.
func (s *Server) handleDismiss(cs *connState, req rpcwire.Message) (rpcwire.Message, error) {
	ticket, _ := req.Fields["ticket"].(string)
	s.tickets.Release(ticket)
	delete(cs.tickets, ticket)
	s.removeReserved(ticket)
	return rpcwire.Message{Kind: rpcwire.KindDismiss, ConnID: cs.id}, nil
}

func (s *Server) reservedPath(ticket, suffix string) string {
	return filepath.Join(s.Config.AdminDir, "reserved", ticket+"-"+suffix)
}

func (s *Server) removeReserved(ticket string) {
	for _, suffix := range []string{"data", "info"} {
		_ = os.Remove(s.reservedPath(ticket, suffix))
	}
}

func (s *Server) renameReserved(ticket, jobName, keyName, firstOrLast string) {
	runDir := filepath.Join(s.Config.AdminDir, "store", jobName)
	_ = os.MkdirAll(runDir, 0o755)
	for _, kind := range []string{"data", "info"} {
		src := s.reservedPath(ticket, kind)
		dst := filepath.Join(runDir, keyName+"-"+firstOrLast+"-"+kind)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			glog.Warningf("daemon: commit rename %s -> %s failed: %v", src, dst, err)
		}
	}
}

// dismissConn releases every ticket and the repo-key refcount a
// disconnecting connection still holds (spec.md §4.5.2).
func (s *Server) dismissConn(cs *connState) {
	for ticket := range cs.tickets {
		s.tickets.Release(ticket)
		s.removeReserved(ticket)
	}
	if cs.keyID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Cache.S.Keys.DecRef(cs.keyID) == 0 {
		if err := s.Cache.S.Keys.Destroy(cs.keyID); err != nil {
			glog.Warningf("daemon: key destroy on disconnect failed: %v", err)
		}
		if s.SideKeys != nil {
			_ = s.SideKeys.Delete(cs.keyID)
		}
	}
}

// emptyTrash is the quiescent-point sweep of spec.md §4.3.5: invoked
// once the last connection closes. Node/job destruction in this engine
// happens inline rather than through a deferred trash vector (see
// DESIGN.md), so this is presently a documented no-op hook retained for
// the quiescent-point contract future cascading destruction can use.
func (s *Server) emptyTrash() {}
