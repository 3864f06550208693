// telegram 通知模块，发送消息到 telegram bot
package telegram

import (
	"errors"
	"os"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var ErrNotConfigured = errors.New("telegram: token or chat id is empty")

type Telegram struct {
	token  string
	chatID int64

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func New(token string, chatID int64) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
	}
}

// FromEnv 从 TELEGRAM_APITOKEN / TELEGRAM_CHAT_ID 读取配置，缺任意一个返回 ErrNotConfigured
func FromEnv() (*Telegram, error) {
	token := os.Getenv("TELEGRAM_APITOKEN")
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatIDStr == "" {
		return nil, ErrNotConfigured
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, err
	}
	return New(token, chatID), nil
}

// botAPI 第一次发送时才连接 telegram，失败不缓存
func (t *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	if t.token == "" || t.chatID == 0 {
		return nil, ErrNotConfigured
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) SendText(txtMsg string) error {
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, txtMsg)
	_, err = bot.Send(msg)
	return err
}
