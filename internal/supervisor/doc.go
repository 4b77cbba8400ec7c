// Package supervisor runs the pipeline units as one group.
//
// Units start in order with a stagger between them so the pending queue has
// content before the dispatcher first scans. A unit that exits cleanly has
// finished its work. A unit that fails halts the whole group: the remaining
// units are cancelled and the supervisor reports a non-zero exit rather than
// restarting anything. Process units receive SIGTERM on cancellation and are
// killed if they have not exited within the grace period.
package supervisor
