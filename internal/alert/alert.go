// Package alert pushes operator notifications for job failures and ledger
// recoveries to a Telegram chat. It is strictly best-effort: a dead bot or a
// full queue never slows the dispatcher down.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/pkg/logx"
)

var ErrDisabled = errors.New("alerting disabled")

// dedupWindow suppresses repeat alerts for the same job so a job failing
// every minute produces one message per window, not sixty.
const dedupWindow = 10 * time.Minute

type Service struct {
	cfg     config.AlertConfig
	log     logx.Logger
	bus     eventbus.Bus
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSent map[string]time.Time

	runWG   sync.WaitGroup
	unsub   func()
	running bool
}

// New builds the alert service. ErrDisabled is returned (not an error to log
// at error level) when alerting is switched off in the config.
func New(cfg config.AlertConfig, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert bot: %w", err)
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 6
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		lastSent: map[string]time.Time{},
	}, nil
}

// Start subscribes to the event bus and delivers alerts until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.mu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
	s.log.Info("alerting started", logx.Int64("chat", s.cfg.ChatID))
}

// Stop unsubscribes and waits for the delivery goroutine.
func (s *Service) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.running = false
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.runWG.Wait()
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeRunFailed:
		re, ok := ev.Data.(eventbus.RunEvent)
		if !ok {
			return
		}
		s.send(ctx, re.JobURL, formatFailure(re))
	case eventbus.TypeLedgerRecovered:
		urls, ok := ev.Data.([]string)
		if !ok || len(urls) == 0 {
			return
		}
		s.send(ctx, "ledger.recovered", formatRecovery(urls))
	}
}

func (s *Service) send(ctx context.Context, key, text string) {
	s.mu.Lock()
	if last, ok := s.lastSent[key]; ok && time.Since(last) < dedupWindow {
		s.mu.Unlock()
		return
	}
	s.lastSent[key] = time.Now()
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.bot.Send(s.chat, text, tele.ModeMarkdown); err != nil {
		s.log.Warn("alert delivery failed", logx.String("key", key), logx.Err(err))
	}
}

func formatFailure(re eventbus.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ *Job failed*\n`%s`", re.JobURL)
	if re.StatusCode != 0 {
		fmt.Fprintf(&b, "\nstatus: %d", re.StatusCode)
	}
	if re.Error != "" {
		fmt.Fprintf(&b, "\n%s", re.Error)
	}
	if re.Duration > 0 {
		fmt.Fprintf(&b, "\nduration: %s", re.Duration.Round(time.Millisecond))
	}
	return b.String()
}

func formatRecovery(urls []string) string {
	return fmt.Sprintf("⚠️ *Recovered stuck runs*\n`%s`\nA previous process likely crashed mid-run.",
		strings.Join(urls, "`\n`"))
}
