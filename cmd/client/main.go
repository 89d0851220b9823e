package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/api"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/media"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/service"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/transport"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)

	selfID := envOr("SELF_ID", "demo-user")
	role := domain.Role(envOr("ROLE", string(domain.RoleClient)))
	conversationID, err := uuid.Parse(envOr("CONVERSATION_ID", uuid.NewString()))
	if err != nil {
		appLogger.Fatal("Invalid CONVERSATION_ID", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chatAPI := api.NewChatAPI(cfg.API, appLogger)
	sessionAPI := api.NewSessionAPI(cfg.API, appLogger)
	lifecycle := domain.NewSessionLifecycle()

	// Чат
	chatChannel := transport.NewChannel(cfg.Socket, cfg.Socket.ChatURL, appLogger)
	engine := service.NewChatEngine(cfg.Chat, chatAPI, chatChannel, lifecycle, selfID, role, appLogger)
	engine.OnTimelineChanged(func() {
		messages := engine.Messages()
		if len(messages) == 0 {
			return
		}
		last := messages[len(messages)-1]
		marker := ""
		if last.Pending {
			marker = " (sending...)"
		}
		fmt.Printf("[%s] %s: %s%s\n", last.Timestamp.Format("15:04:05"), last.SenderID, last.Content, marker)
	})

	if err := engine.Start(ctx, conversationID); err != nil {
		appLogger.Fatal("Failed to start chat", "error", err)
	}

	// Видео-сессия (если задана)
	var session *service.VideoSession
	if raw := os.Getenv("SESSION_ID"); raw != "" {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			appLogger.Fatal("Invalid SESSION_ID", "error", err)
		}

		provider := media.NewWebRTCProvider(cfg.Media, appLogger)
		coordinator := service.NewCoordinator(cfg.Media, provider, lifecycle, appLogger)
		recorder := media.NewRTPRecorder(appLogger)
		supervisor := service.NewRecordingSupervisor(cfg.Recording, sessionAPI, recorder, lifecycle, sessionID, selfID, role, appLogger)
		sessionChannel := transport.NewChannel(cfg.Socket, cfg.Socket.SessionURL, appLogger)

		session = service.NewVideoSession(cfg.Chat, sessionChannel, coordinator, supervisor, lifecycle, sessionID, selfID, role, appLogger)
		session.OnEmotionUpdate(func(frame *domain.EmotionUpdateFrame) {
			appLogger.Info("emotion update",
				"dominant", frame.DominantEmotion,
				"valence", frame.Valence,
				"engagement", frame.Engagement)
		})
		session.OnPresence(func(userID, userRole string, joined bool) {
			if joined {
				appLogger.Info("participant joined", "user_id", userID, "role", userRole)
			} else {
				appLogger.Info("participant left", "user_id", userID, "role", userRole)
			}
		})
		session.OnError(func(err error) {
			appLogger.Error("session error", "error", err)
		})

		if err := session.Start(ctx); err != nil {
			appLogger.Fatal("Failed to start video session", "error", err)
		}
	}

	// Ввод с stdin → отправка в чат
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := engine.Send(ctx, line); err != nil {
				appLogger.Warn("send failed", "error", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	if session != nil {
		session.Leave(ctx)
	}
	engine.Stop()
	appLogger.Info("Client exited")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
