// Package fcm is an Android-native FCM (Firebase Cloud Messaging) client.
//
// It performs GCM device checkin and token registration against Google's
// Android endpoints, deletes tokens, and runs an MCS (Mobile Connection
// Server) listener that turns data message stanzas into RemoteMessage values.
// A Client satisfies registry.Fetcher and reports new tokens to a
// TokenObserver.
//
// Usage:
//
//	client := fcm.NewClient(sessionDir, fcm.WithApp(app))
//	client.SetTokenObserver(reg)
//	client.OnMessage(func(msg fcm.RemoteMessage) { ... })
//	token, err := client.FetchToken(ctx, senderID)
//	err = client.Listen(ctx)
package fcm
