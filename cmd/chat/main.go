package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/KodaTao/daily-assistant/server/client"
	"github.com/KodaTao/daily-assistant/server/config"
	"github.com/KodaTao/daily-assistant/server/handler"
	"github.com/KodaTao/daily-assistant/server/logging"
	"github.com/KodaTao/daily-assistant/server/model"
)

const help = `commands:
  /new                 start a new conversation
  /list                list conversations
  /switch <n>          switch to conversation n from /list
  /title <text>        rename the current conversation
  /delete              delete the current conversation
  /image <prompt>      generate an image
  /buy <bundle>        purchase a bundle (starter, creative, pro, vision, business)
  /mode <testing|real> switch ledger mode
  /status              show remaining prompts and images
  /quit                exit
anything else is sent as a chat message`

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "daily-assistant.db"
	}
	return filepath.Join(home, ".daily-assistant", "state.db")
}

// loadEnv 读取 .env，文件不存在时照常启动
func loadEnv(log logrus.FieldLogger, files ...string) bool {
	if err := godotenv.Load(files...); err != nil {
		log.WithError(err).Debug("no .env file loaded")
		return false
	}
	return true
}

func main() {
	loadEnv(logrus.StandardLogger())

	relayURL := flag.String("relay", "http://localhost:6543", "relay server base url")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token for conversation storage")
	userID := flag.String("user", "local", "user id, used to mint a token when JWT_SECRET is set")
	statePath := flag.String("state", defaultStatePath(), "local snapshot file")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, err := logging.New(config.LogConfig{Level: *logLevel})
	if err != nil {
		logrus.Fatalf("failed to init logger: %v", err)
	}

	if *token == "" {
		if secret := os.Getenv("JWT_SECRET"); secret != "" {
			if *token, err = handler.IssueToken(secret, *userID, 0); err != nil {
				log.Fatalf("failed to issue token: %v", err)
			}
		}
	}

	snap, err := client.OpenBoltSnapshot(*statePath, log)
	if err != nil {
		log.Fatalf("failed to open state: %v", err)
	}
	defer snap.Close()
	initial, err := snap.Load()
	if err != nil {
		log.Fatalf("failed to load state: %v", err)
	}

	// 没有 token 时会话备份到本机的 sqlite
	var (
		remote   client.RemoteStore
		profiles client.ProfileStore
	)
	if *token != "" {
		hr := client.NewHTTPRemote(*relayURL, *token, &http.Client{Timeout: 15 * time.Second})
		remote, profiles = hr, hr
	} else {
		db, err := model.InitDB(config.DatabaseConfig{Driver: "sqlite", Path: *statePath + ".backup"})
		if err != nil {
			log.Fatalf("failed to open local backup: %v", err)
		}
		remote = model.NewConversationRepo(db)
		fmt.Println("no token: conversations are backed up on this device only")
	}

	store := client.NewStore(initial, snap, log)
	relay := client.NewRelay(*relayURL, *token, nil)
	session := client.NewSession(store, relay, remote, profiles, client.SessionConfig{
		UserID:    *userID,
		SweepSpec: "@every 30s",
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	if *token != "" {
		session.Watch(strings.Replace(*relayURL, "http", "ws", 1)+"/api/ws", *token)
	}
	defer session.Stop()

	// 流式输出：只打印新增部分
	printed := map[string]string{}
	store.Subscribe(func(ch client.Change) {
		if ch.Message == nil || ch.Message.Role != client.RoleAssistant {
			return
		}
		prev, content := printed[ch.Message.ID], ch.Message.Content
		if strings.HasPrefix(content, prev) {
			fmt.Print(content[len(prev):])
		} else {
			fmt.Print("\n" + content)
		}
		printed[ch.Message.ID] = content
	})

	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := run(ctx, session, line); quit {
			return
		}
	}
}

func run(ctx context.Context, s *client.Session, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(help)
	case "/new":
		conv := s.Store.CreateConversation(client.DefaultTitle)
		s.SyncConversation(conv.ID)
		fmt.Println("new conversation", conv.ID)
	case "/list":
		current := s.Store.CurrentID()
		for i, conv := range s.Store.Conversations() {
			mark := " "
			if conv.ID == current {
				mark = "*"
			}
			fmt.Printf("%s %d. %s (%d messages)\n", mark, i+1, conv.Title, len(conv.Messages))
		}
	case "/switch":
		convs := s.Store.Conversations()
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(convs) {
			fmt.Println("usage: /switch <n>")
			return false
		}
		s.Store.SetCurrent(convs[n-1].ID)
	case "/title":
		if err := s.Rename(ctx, s.Store.CurrentID(), arg); err != nil {
			fmt.Println("rename failed:", err)
		}
	case "/delete":
		if err := s.Delete(ctx, s.Store.CurrentID()); err != nil {
			fmt.Println("delete failed, conversation kept:", err)
		}
	case "/image":
		if _, err := s.Chat.GenerateImage(ctx, "", arg); err != nil {
			fmt.Println("image failed:", err)
		}
	case "/buy":
		st, err := s.Purchase(arg)
		if err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("prompts %d/%d, images %d/%d\n", st.PromptsRemaining, st.TotalPrompts, st.ImagesRemaining, st.TotalImages)
	case "/mode":
		st := s.SwitchMode(client.Mode(arg))
		fmt.Println("mode", st.Mode)
	case "/status":
		st := s.Store.Settings()
		fmt.Printf("mode %s, bundle %q, prompts %d/%d, images %d/%d\n",
			st.Mode, st.CurrentBundle, st.PromptsRemaining, st.TotalPrompts, st.ImagesRemaining, st.TotalImages)
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command, try /help")
			return false
		}
		if _, err := s.Chat.Send(ctx, "", line); err != nil {
			fmt.Println("\nsend failed:", err)
		}
	}
	return false
}
