package app

import (
	"context"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rvdmeulen/huddle/internal/config"
	"github.com/rvdmeulen/huddle/internal/peer"
	"github.com/rvdmeulen/huddle/internal/store"
	"github.com/rvdmeulen/huddle/internal/tracker"
	"github.com/rvdmeulen/huddle/internal/util"
)

var log = logging.Logger("app")

// Options carries what main resolved from the command line: the runtime
// directory and its loaded config.
type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunTracker composes and runs the tracker until ctx is cancelled: store,
// coordination listener, ops surface and the config watch that re-applies
// log levels on edit.
func RunTracker(ctx context.Context, opt Options) error {
	if err := config.ApplyLogLevels(opt.Cfg.Logging); err != nil {
		return err
	}

	var db *store.DB
	var err error
	if opt.Cfg.Tracker.DataDir == "" {
		log.Warnf("tracker.data_dir is empty, state will not survive restarts")
		db, err = store.OpenInMemory()
	} else {
		db, err = store.Open(util.ResolvePath(opt.Dir, opt.Cfg.Tracker.DataDir))
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	srv := tracker.New(opt.Cfg.Tracker, db)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	watchLogLevels(ctx, opt.CfgPath)

	log.Infof("tracker up on %s", srv.Addr())
	<-ctx.Done()
	srv.Wait()
	log.Infof("tracker stopped")
	return nil
}

// RunPeer composes and runs a peer node until ctx is cancelled. A
// configured username logs in as that account, with the password taken
// from HUDDLE_PASSWORD; otherwise the node starts a visitor session
// under the configured display name.
func RunPeer(ctx context.Context, opt Options) error {
	if err := config.ApplyLogLevels(opt.Cfg.Logging); err != nil {
		return err
	}

	node, err := peer.NewNode(opt.Cfg.Peer, opt.Dir)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	if username := opt.Cfg.Identity.Username; username != "" {
		password := os.Getenv("HUDDLE_PASSWORD")
		if password == "" {
			return fmt.Errorf("identity.username is set but HUDDLE_PASSWORD is empty")
		}
		if err := node.Login(username, password); err != nil {
			return fmt.Errorf("login as %s: %w", username, err)
		}
	} else {
		name := opt.Cfg.Identity.DisplayName
		if name == "" {
			name = "guest"
		}
		if err := node.LoginVisitor(name); err != nil {
			return fmt.Errorf("visitor session: %w", err)
		}
	}
	log.Infof("logged in as %s", node.Subject())

	if err := node.Start(ctx); err != nil {
		return err
	}
	watchLogLevels(ctx, opt.CfgPath)

	<-ctx.Done()
	if err := node.Tracker().Logout(node.Token()); err != nil {
		log.Debugf("logout: %v", err)
	}
	node.Stop()
	log.Infof("peer stopped")
	return nil
}

// watchLogLevels hot-applies logging changes from the config file. Other
// fields need a restart; only log levels are safe to swap live.
func watchLogLevels(ctx context.Context, cfgPath string) {
	if cfgPath == "" {
		return
	}
	err := config.Watch(ctx, cfgPath, func(cfg config.Config) {
		if err := config.ApplyLogLevels(cfg.Logging); err != nil {
			log.Warnf("apply reloaded log levels: %v", err)
		}
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	}
}
