package daemon

import (
	"net"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/rpcwire"
	"github.com/open-lmake/buildcache/store"
)

func TestDaemonMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Daemon Suite")
}

func newTestServer(dir string) (*Server, error) {
	s, err := store.OpenStore(dir, true)
	if err != nil {
		return nil, err
	}
	e := lru.NewEngine(s, 1<<30, 255)
	c := cache.New(s, e, 2)
	cfg := cmn.DefaultConfig(dir)
	return NewServer(c, cfg, nil)
}

func oneDepField() []rpcwire.Fields {
	return depsToFields(map[string]digest.DepDigest{
		"a.c": {Accesses: digest.AccessReg, DFlags: digest.DFlags{Full: true}, Crc: digest.Crc{Kind: digest.KindReg, Hash: 1}},
	})
}

var _ = Describe("dispatch", func() {
	var (
		dir string
		srv *Server
		cs  *connState
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "daemon-dispatch-test-*")
		Expect(err).NotTo(HaveOccurred())
		srv, err = newTestServer(dir)
		Expect(err).NotTo(HaveOccurred())
		cs = &connState{id: "conn-dispatch", tickets: make(map[string]struct{})}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("runs Config -> Download(miss) -> Upload -> Commit -> Download(hit)", func() {
		reply, err := srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindConfig, Fields: rpcwire.Fields{"repo_key": "repoA"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Fields["max_size"]).To(Equal(int64(10 * cmn.GiB)))
		Expect(cs.keyID).NotTo(BeZero())

		deps := oneDepField()
		reply, err = srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindDownload, Fields: rpcwire.Fields{"job": "job1", "deps": deps}})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Fields["outcome"]).To(Equal(uint32(digest.Miss)))

		reply, err = srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindUpload, Fields: rpcwire.Fields{"sz": uint64(10)}})
		Expect(err).NotTo(HaveOccurred())
		ticket, _ := reply.Fields["ticket"].(string)
		Expect(ticket).NotTo(BeEmpty())
		Expect(srv.tickets.TotalReserved()).To(Equal(int64(10)))

		reply, err = srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindCommit, Fields: rpcwire.Fields{
			"ticket":      ticket,
			"job":         "job1",
			"key":         "k1",
			"key_is_last": true,
			"n_statics":   uint64(0),
			"rate":        uint64(5),
			"deps":        deps,
		}})
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.tickets.TotalReserved()).To(Equal(int64(0)), "commit must release the ticket's reservation")

		reply, err = srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindDownload, Fields: rpcwire.Fields{"job": "job1", "deps": deps}})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Fields["outcome"]).To(Equal(uint32(digest.Hit)))
		Expect(reply.Fields["key"]).To(Equal("k1"))
	})

	It("Dismiss releases a reservation without committing it", func() {
		reply, err := srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindUpload, Fields: rpcwire.Fields{"sz": uint64(5)}})
		Expect(err).NotTo(HaveOccurred())
		ticket, _ := reply.Fields["ticket"].(string)

		_, err = srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindDismiss, Fields: rpcwire.Fields{"ticket": ticket}})
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.tickets.TotalReserved()).To(Equal(int64(0)))

		outcome, _, err := srv.Cache.Match("job1", map[string]digest.DepDigest{}, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(digest.Miss), "a dismissed upload must never become a committed run")
	})

	It("dismissConn releases every outstanding ticket on disconnect", func() {
		reply, err := srv.dispatch(cs, rpcwire.Message{Kind: rpcwire.KindUpload, Fields: rpcwire.Fields{"sz": uint64(7)}})
		Expect(err).NotTo(HaveOccurred())
		ticket, _ := reply.Fields["ticket"].(string)
		cs.tickets[ticket] = struct{}{}

		srv.dismissConn(cs)
		Expect(srv.tickets.TotalReserved()).To(Equal(int64(0)))
	})
})

var _ = Describe("Serve", func() {
	var (
		dir string
		srv *Server
		err error
	)

	BeforeEach(func() {
		dir, err = os.MkdirTemp("", "daemon-serve-test-*")
		Expect(err).NotTo(HaveOccurred())
		srv, err = newTestServer(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("accepts a connection, completes the magic handshake, and answers a Config request", func() {
		go srv.Serve()

		var conn net.Conn
		for i := 0; i < 50; i++ {
			conn, err = net.Dial("unix", srv.Config.Socket)
			if err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(rpcwire.ReadMagic(conn)).NotTo(HaveOccurred())

		Expect(rpcwire.WriteMessage(conn, rpcwire.Message{
			Kind:   rpcwire.KindConfig,
			Fields: rpcwire.Fields{"repo_key": "repoA"},
		})).NotTo(HaveOccurred())

		reply, err := rpcwire.ReadMessage(conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Kind).To(Equal(rpcwire.KindConfig))
		Expect(reply.ConnID).NotTo(BeEmpty())

		conn.Close()
		srv.ln.Close()
	})
})
