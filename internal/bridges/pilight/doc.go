// Package pilight bridges the pilight daemon's socket API to MQTT.
//
// # Architecture
//
//	pilight-daemon ↔ Session (TCP, "\n\n" framed JSON) ↔ Translator ↔ MQTT
//
// A Session owns the TCP connection. It performs the identify handshake,
// validates the connection with a HEART/BEAT heartbeat, streams pushed
// events and sends control requests. Reads and writes on the socket are
// serialised, so control requests issued from the MQTT dispatch goroutine
// never interleave with the event loop.
//
// The Translator is a pure mapping between events and topics:
//
//	{root}/status/{device}/STATE         switch events (type 1)
//	{root}/status/{device}/HUMIDITY      sensor events (type 3)
//	{root}/status/{device}/TEMPERATURE   sensor events (type 3)
//	{root}/set/{device}/STATE            commands, payload is the new state
//
// The Bridge subscribes to {root}/#, connects the session and runs the
// event loop next to a health reporter until its context is cancelled.
//
// # Usage
//
//	session := pilight.NewSession(ctx, pilight.SessionConfig{Address: "127.0.0.1:5001"}, logger)
//	bridge, err := pilight.NewBridge(pilight.BridgeOptions{
//	    Config:     pilight.Config{TopicRoot: "PILIGHT"},
//	    MQTTClient: mqttAdapter,
//	    Hub:        session,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	os.Exit(pilight.ExitCode(bridge.Run(ctx)))
package pilight
