package main

// Flag structs to decouple cobra from logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StatusFlags struct {
	ConfigPath string
	Name       string
}

// OpFlags select servers for the one-shot update and backup commands.
// An empty Name runs the operation for every enabled server.
type OpFlags struct {
	ConfigPath string
	Name       string
}

type ValidateFlags struct {
	ConfigPath string
}
