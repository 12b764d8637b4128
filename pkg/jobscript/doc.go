// Package jobscript builds the self-contained shell scripts submitted under
// the scheduler's wrap argument, one variant per IDE. Embedded helper
// scripts are base64-framed so they survive the two shell hops between the
// control plane and the compute node unchanged; the port-finder asset runs
// first and hands the rest of the script the chosen $IDE_PORT.
package jobscript
