package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// beaconClient 短超时，页面卸载时不能等
var beaconClient = &http.Client{Timeout: 2 * time.Second}

// SendBeacon 退出时的尽力而为离开通知。token 放在 body 里，
// 因为这条路径上带不了请求头。不重试，错误直接丢弃。
func SendBeacon(baseURL, sessionID, token string) {
	payload, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"token":     token,
	})
	if err != nil {
		return
	}

	resp, err := beaconClient.Post(baseURL+"/api/jams/beacon", "application/json", bytes.NewReader(payload))
	if err != nil {
		return
	}
	resp.Body.Close()
}
