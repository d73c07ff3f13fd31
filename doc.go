// # Go Call Negotiation Core for Translated-Caption Calls
//
// Package lingocall connects two participants of a room over a peer-to-peer WebRTC session, coordinated through an unreliable signaling relay, and streams microphone audio to a translation backend whose captions flow back to the host UI. A Client owns one participant's room membership, call negotiation, local media and caption relay, and reports everything through Hooks.
package lingocall
