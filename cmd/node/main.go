// Command node starts a trustchain node: a single participant in the
// self-rooted ledger and ACS-driven checkpoint protocol.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/tolelom/trustchain/chain"
	"github.com/tolelom/trustchain/config"
	"github.com/tolelom/trustchain/crypto"
	"github.com/tolelom/trustchain/crypto/certgen"
	"github.com/tolelom/trustchain/identity"
	"github.com/tolelom/trustchain/network"
	"github.com/tolelom/trustchain/rpc"
	"github.com/tolelom/trustchain/storage"
	"github.com/tolelom/trustchain/trustchain"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new node key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		_, vk, err := identity.GenerateAndSave(*keyPath, password)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key: %s\n", vk.Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load node key ----
	sk, err := identity.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	vk := sk.Public()

	logger := log15.New("node", cfg.NodeID)
	logger.Info("starting", "vk", vk.Hex(), "network_id", cfg.Genesis.NetworkID)

	// ---- open DB / optional WAL ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	journal := storage.NewJournal(db)
	defer journal.Close()

	// ---- genesis promoter set ----
	promoters, err := cfg.Promoters()
	if err != nil {
		log.Fatalf("genesis promoters: %v", err)
	}
	logger.Info("genesis promoter committee", "peers", trustchain.PeerIDs(promoters))

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		logger.Info("mTLS enabled for P2P")
	}

	// ---- network (started, handlers wired once the Runner exists) ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(vk.Hex(), p2pAddr, tlsCfg)
	egress := trustchain.NewNetworkEgress(node)

	// ---- runner ----
	runner, err := trustchain.NewRunner(vk, sk, cfg.N, cfg.T, promoters, egress, logger)
	if err != nil {
		log.Fatalf("runner: %v", err)
	}
	if err := journal.AppendCp(runner.Chain().At(0).(*chain.CpBlock)); err != nil {
		logger.Warn("journal genesis append failed", "err", err)
	}

	wireHandlers(node, runner)

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	logger.Info("P2P listening", "addr", p2pAddr)

	// ---- connect to seed peers and catch up on missed rounds ----
	syncer := trustchain.NewRoundSyncer(node, runner)
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			logger.Warn("seed peer connect failed", "peer", sp.ID, "addr", sp.Addr, "err", err)
			continue
		}
		logger.Info("connected to seed peer", "peer", sp.ID, "addr", sp.Addr)
		syncer.SyncWithPeer(sp.ID, runner.NextRound())
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(runner, cfg.Genesis.NetworkID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	logger.Info("RPC listening", "addr", rpcAddr)
	if cfg.RPCAuthToken != "" {
		logger.Info("RPC Bearer token authentication enabled")
	}

	// ---- round-driving and queue-drain loop ----
	done := make(chan struct{})
	go driveRounds(runner, cfg, logger, done)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	close(done)

	// Deferred calls run in LIFO: rpcServer.Stop → node.Stop → journal.Close → db.Close
	logger.Info("shutdown complete")
}

// driveRounds periodically drains the deferred-task queue (§4.6.6) and, if
// this node is currently a promoter, proposes its latest checkpoint into
// the next open round.
func driveRounds(runner *trustchain.Runner, cfg *config.Config, logger log15.Logger, done <-chan struct{}) {
	drainEvery := cfg.QueueDrainInterval
	if drainEvery <= 0 {
		drainEvery = time.Second
	}
	roundEvery := cfg.RoundCheckInterval
	if roundEvery <= 0 {
		roundEvery = 5 * time.Second
	}
	drainTicker := time.NewTicker(drainEvery)
	defer drainTicker.Stop()
	roundTicker := time.NewTicker(roundEvery)
	defer roundTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-drainTicker.C:
			for _, err := range runner.Queue.Drain() {
				logger.Warn("deferred task failed", "err", err)
			}
		case <-roundTicker.C:
			if !runner.IsPromoter() {
				continue
			}
			round := runner.NextRound()
			if err := runner.ProposeLatestCheckpoint(round); err != nil {
				logger.Warn("propose checkpoint failed", "round", round, "err", err)
			}
		}
	}
}

// wireHandlers registers every MsgType the protocol uses, decoding each
// envelope and routing it to the matching Runner method. SigWithRound and
// ACS messages run as Queue tasks, so one that gets ErrReplay back is
// requeued instead of dropped (§4.6.6); the other handlers run inline, and
// an AskCons for a round this node has not recorded is dropped.
func wireHandlers(node *network.Node, runner *trustchain.Runner) {
	fromPeer := func(peer *network.Peer) (crypto.PublicKey, error) {
		return crypto.PubKeyFromHex(peer.ID)
	}

	node.Handle(network.MsgTxReq, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var req trustchain.TxReq
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		// The handshake has no Replay concept (it only needs this node's
		// own chain tip), so it runs inline rather than through the Queue.
		if err := runner.HandleTxReq(from, req); err != nil {
			return
		}
	})

	node.Handle(network.MsgTxResp, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var resp trustchain.TxResp
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return
		}
		if err := runner.HandleTxResp(from, resp); err != nil {
			return
		}
	})

	node.Handle(network.MsgValidationReq, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var req trustchain.ValidationReq
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		_ = runner.HandleValidationReq(from, req)
	})

	node.Handle(network.MsgValidationResp, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var resp trustchain.ValidationResp
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return
		}
		if _, err := runner.HandleValidationResp(from, resp); err != nil {
			return
		}
	})

	node.Handle(network.MsgSigWithRound, func(_ *network.Peer, msg network.Message) {
		var m trustchain.SigWithRoundMsg
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return
		}
		runner.Queue.Push(func() (bool, error) {
			err := runner.HandleSigWithRound(m)
			if err == trustchain.ErrReplay {
				return true, nil
			}
			return false, err
		})
	})

	node.Handle(network.MsgCpBlock, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var cp chain.CpBlock
		if err := json.Unmarshal(msg.Payload, &cp); err != nil {
			return
		}
		runner.LearnCompact(from, cp.Compact())
	})

	node.Handle(network.MsgCons, func(_ *network.Peer, msg network.Message) {
		var env struct {
			Round uint64
			Cons  chain.Cons
		}
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return
		}
		_ = runner.HandleCons(env.Round, env.Cons)
	})

	node.Handle(network.MsgAskCons, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var round uint64
		if err := json.Unmarshal(msg.Payload, &round); err != nil {
			return
		}
		_ = runner.HandleAskCons(from, round)
	})

	node.Handle(network.MsgACS, func(peer *network.Peer, msg network.Message) {
		from, err := fromPeer(peer)
		if err != nil {
			return
		}
		var env trustchain.ACSEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return
		}
		runner.Queue.Push(func() (bool, error) {
			err := runner.HandleACSEnvelope(from, env)
			if err == trustchain.ErrReplay {
				return true, nil
			}
			return false, err
		})
	})
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
