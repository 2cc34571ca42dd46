package config

// DefaultAddr is the default listen address for the relay.
const DefaultAddr = "127.0.0.1:2665"

// DefaultLANAddr is written by WriteDefault so peers on the network can connect.
const DefaultLANAddr = "0.0.0.0:2665"
