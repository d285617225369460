package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/automerge-tasklists/pkg/client"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "http://127.0.0.1:8080", "the sync server base url")
	listVar := flag.String("list", "default", "the list to edit")
	identityVar := flag.String("identity", "owner", "the caller identity")
	deviceVar := flag.String("device", fmt.Sprintf("device-%d", os.Getpid()), "the device id")
	kindVar := flag.String("kind", "active", "the session kind: active or background")
	heartbeatVar := flag.Duration("heartbeat", 30*time.Second, "how often to heartbeat")
	flag.Parse()

	c, err := client.New(*addrVar, *identityVar, *deviceVar, client.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replica, err := c.Open(ctx, *listVar, *kindVar)
	if err != nil {
		return err
	}
	order, _ := replica.Order()
	slog.Info("established base doc", "session", replica.SessionID(), "order", order)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := replica.Watch(ctx, func(order []string) {
			slog.Info("remote change", "order", order)
		}); err != nil {
			slog.Error("stopped watching", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := replica.KeepAlive(ctx, *heartbeatVar); err != nil {
			slog.Error("stopped heartbeating", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reorderRandomlyContinuously(ctx, replica)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if _, err := replica.Push(closeCtx); err != nil {
		slog.Error("failed final push", "err", err)
	}
	if err := replica.Close(closeCtx); err != nil {
		slog.Error("failed to end session", "err", err)
	}

	tf := filepath.Join(os.TempDir(), *deviceVar+".automerge")
	if err := os.WriteFile(tf, replica.Save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func reorderRandomlyContinuously(ctx context.Context, replica *client.Replica) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if err := reorderOnce(replica); err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			if _, err := replica.Push(ctx); err != nil {
				slog.Error("failed to push", "err", err)
				continue
			}
			order, _ := replica.Order()
			slog.Info("pushed", "order", order)
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

// reorderOnce moves a random item, or adds one when the list is short.
func reorderOnce(replica *client.Replica) error {
	order, err := replica.Order()
	if err != nil {
		return err
	}
	if len(order) < 3 || rand.Intn(4) == 0 {
		return replica.Append(fmt.Sprintf("task-%d", time.Now().UnixNano()%100000))
	}
	return replica.Move(order[rand.Intn(len(order))], rand.Intn(len(order)))
}
