// Package clap models the host side of the CLAP plugin ABI in Go.
//
// Model:
//   - An Opener turns a filesystem path into a Module exposing a single Entry.
//   - The Entry hands out a PluginFactory listing Descriptors and creating Plugins.
//   - A Plugin talks back to the host through the Host interface and the optional
//     host extensions (HostThreadCheck, HostParams, HostState, HostAudioPorts, HostGUI).
//   - Plugins expose optional capabilities through Extension(id); callers check before use.
//
// The types here carry no cgo. clap/native binds them to real shared libraries,
// clap/static to plugins linked into the Go binary.
package clap
