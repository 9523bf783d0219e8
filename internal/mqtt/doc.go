// Package mqtt plays synthesized speech on a networked speaker through
// an MQTT broker.
//
// The [Speaker] connects with Eclipse Paho's [autopaho] connection
// manager. Each chunk is published as a WAV payload to
// <prefix>/<device>/speaker/audio, tagged with a sequence number. The
// device reports progress on <prefix>/<device>/speaker/status; a
// cancelled chunk is cut short with a "stop" on
// <prefix>/<device>/speaker/control. On every (re-)connect the speaker
// publishes a retained birth message, Home Assistant discovery for a
// "speaking" binary sensor, and re-subscribes to the status topic. A
// will message marks the device offline on unexpected disconnects.
package mqtt
