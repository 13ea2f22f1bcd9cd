/*
Package events provides an in-memory pub/sub broker for dataset lifecycle
events, so a status UI can show live upload/conversion progress without
polling the Dataset Store.

Publish is non-blocking: a slow or absent subscriber only ever misses its
own events, it never backs up the scheduler or executor that published.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:        events.EventUploadProgress,
		DatasetUUID: ds.UUID,
		Message:     fmt.Sprintf("%.1f%%", ds.Progress()),
	})
*/
package events
