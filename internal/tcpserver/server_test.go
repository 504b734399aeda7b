package tcpserver_test

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/internal/tcpserver"
)

var echoLine = tcpserver.HandlerFunc(func(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	_, err = conn.Write([]byte(line))
	return err
})

var _ = Describe("TCP Server", func() {
	Context("server creation", func() {
		It("creates server with valid address", func() {
			srv, err := tcpserver.New("localhost:9999", echoLine)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
		})

		It("creates server with IP address", func() {
			srv, err := tcpserver.New("127.0.0.1:9999", echoLine)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
		})

		It("handles port-only address", func() {
			srv, err := tcpserver.New(":9999", echoLine)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv).NotTo(BeNil())
		})

		It("rejects invalid address", func() {
			srv, err := tcpserver.New("invalid:host:port", echoLine)
			Expect(err).To(HaveOccurred())
			Expect(srv).To(BeNil())
		})

		It("reports no address before start", func() {
			srv, err := tcpserver.New("127.0.0.1:0", echoLine)
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.Addr()).To(BeNil())
		})
	})

	Context("server lifecycle", func() {
		var (
			srv    *tcpserver.Server
			errCh  chan error
			dialTo func() net.Conn
		)

		start := func(handler tcpserver.ConnHandler, opts ...tcpserver.Option) {
			var err error
			srv, err = tcpserver.New("127.0.0.1:0", handler, opts...)
			Expect(err).NotTo(HaveOccurred())

			errCh = make(chan error, 1)
			s, ch := srv, errCh
			go func() {
				ch <- s.Start()
			}()
			Eventually(s.Addr).ShouldNot(BeNil())
		}

		BeforeEach(func() {
			dialTo = func() net.Conn {
				conn, err := net.Dial("tcp", srv.Addr().String())
				Expect(err).NotTo(HaveOccurred())
				return conn
			}
		})

		AfterEach(func() {
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}
		})

		It("serves connections concurrently", func() {
			start(echoLine)

			first := dialTo()
			defer first.Close()
			second := dialTo()
			defer second.Close()

			_, err := second.Write([]byte("second\n"))
			Expect(err).NotTo(HaveOccurred())
			reply, err := bufio.NewReader(second).ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal("second\n"))

			_, err = first.Write([]byte("first\n"))
			Expect(err).NotTo(HaveOccurred())
			reply, err = bufio.NewReader(first).ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal("first\n"))
		})

		It("returns the bind error when the address is taken", func() {
			start(echoLine)

			busy, err := tcpserver.New(srv.Addr().String(), echoLine)
			Expect(err).NotTo(HaveOccurred())
			Expect(busy.Start()).To(HaveOccurred())
		})

		It("shuts down gracefully and returns nil from Start", func() {
			start(echoLine)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(Succeed())
			Eventually(errCh).Should(Receive(BeNil()))

			_, err := net.Dial("tcp", srv.Addr().String())
			Expect(err).To(HaveOccurred())
		})

		It("waits for in-flight connections", func() {
			var finished atomic.Bool
			start(tcpserver.HandlerFunc(func(ctx context.Context, conn net.Conn) error {
				defer conn.Close()
				time.Sleep(200 * time.Millisecond)
				finished.Store(true)
				return nil
			}))

			conn := dialTo()
			defer conn.Close()
			time.Sleep(50 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(Succeed())
			Expect(finished.Load()).To(BeTrue())
		})

		It("cancels connection contexts when the drain times out", func() {
			cancelled := make(chan struct{})
			start(tcpserver.HandlerFunc(func(ctx context.Context, conn net.Conn) error {
				defer conn.Close()
				<-ctx.Done()
				close(cancelled)
				return ctx.Err()
			}))

			conn := dialTo()
			defer conn.Close()
			time.Sleep(50 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(MatchError(context.DeadlineExceeded))
			Eventually(cancelled).Should(BeClosed())
		})

		It("limits the accept rate", func() {
			var handled atomic.Int32
			start(tcpserver.HandlerFunc(func(ctx context.Context, conn net.Conn) error {
				defer conn.Close()
				handled.Add(1)
				return nil
			}), tcpserver.WithAcceptRate(4, 1))

			for i := 0; i < 3; i++ {
				conn := dialTo()
				defer conn.Close()
			}

			Consistently(func() int32 { return handled.Load() }, 150*time.Millisecond).Should(BeNumerically("<=", 2))
			Eventually(func() int32 { return handled.Load() }, 2*time.Second).Should(Equal(int32(3)))
		})
	})
})
