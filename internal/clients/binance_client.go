package clients

import (
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

const restTimeout = 10 * time.Second

// NewBinanceClient creates a REST client against baseURL. An empty baseURL keeps
// the library default.
func NewBinanceClient(apiKey, apiSecret, baseURL string, l *zap.Logger) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	client.HTTPClient = &http.Client{Timeout: restTimeout}
	if l != nil {
		client.Logger = zap.NewStdLog(l.Named("binance"))
	}
	return client
}
