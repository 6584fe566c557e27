package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/client"
	"github.com/videoml/trainflow/srcs/go/rchannel/handler"
	"github.com/videoml/trainflow/srcs/go/rchannel/server"
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

func Test_sessionCollectives(t *testing.T) {
	peers := plan.GenLocalPeerList(2, 48810)
	var wg sync.WaitGroup
	for _, self := range peers {
		wg.Add(1)
		go func(self plan.PeerID) {
			defer wg.Done()
			ep := handler.NewEndpoint(self)
			srv := server.New(self, ep)
			if err := srv.Start(); err != nil {
				t.Error(err)
				return
			}
			defer srv.Close()
			cl := client.New(self)
			defer cl.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, p := range peers {
				if p != self && !cl.Wait(ctx, p) {
					t.Errorf("peer %s unreachable", p)
					return
				}
			}
			sess, err := New("test", peers, cl, ep)
			if err != nil {
				t.Error(err)
				return
			}

			v := base.NewVector(3, base.F32)
			for i := range v.AsF32() {
				v.AsF32()[i] = float32(sess.Rank() + i)
			}
			if err := sess.AllReduce(v, base.SUM); err != nil {
				t.Error(err)
				return
			}
			want := []float32{1, 3, 5}
			for i, x := range v.AsF32() {
				if x != want[i] {
					t.Errorf("rank %d: allreduce wrong: %v", sess.Rank(), v.AsF32())
					break
				}
			}

			b := base.NewVector(1, base.F64)
			if sess.Rank() == 1 {
				b.AsF64()[0] = 3.5
			}
			if err := sess.Broadcast(b, 1); err != nil {
				t.Error(err)
				return
			}
			if b.AsF64()[0] != 3.5 {
				t.Errorf("rank %d: broadcast wrong: %v", sess.Rank(), b.AsF64()[0])
			}

			if err := sess.Barrier(); err != nil {
				t.Error(err)
				return
			}

			if sess.Rank() == 0 {
				var msg string
				if err := sess.RecvObject(&msg, 1); err != nil {
					t.Error(err)
					return
				}
				if msg != "hello" {
					t.Errorf("object wrong: %q", msg)
				}
			} else {
				if err := sess.SendObject("hello", 0); err != nil {
					t.Error(err)
				}
			}
		}(self)
	}
	wg.Wait()
}

func Test_sessionNotInGroup(t *testing.T) {
	peers := plan.GenLocalPeerList(2, 48820)
	outsider := plan.PeerID{IPv4: plan.MustParseIPv4("127.0.0.1"), Port: 48830}
	ep := handler.NewEndpoint(outsider)
	if _, err := New("test", peers, client.New(outsider), ep); err == nil {
		t.Error("session for an outsider should be rejected")
	}
}
