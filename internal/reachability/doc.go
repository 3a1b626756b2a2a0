// Package reachability watches whether the network is usable and reports
// lost/regained transitions, standing in for the host's connectivity
// notifications.
package reachability
