//go:build windows

package notify

import "github.com/go-toast/toast"

func pushToast(title, message string) error {
	n := toast.Notification{
		AppID:   appName,
		Title:   title,
		Message: message,
	}
	return n.Push()
}
