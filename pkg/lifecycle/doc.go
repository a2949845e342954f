/*
Package lifecycle implements the per-node state machine behind every
disruptive operation.

The forward path runs Ready -> Cordoned -> Draining -> Drained ->
ServiceStopped -> PoweredOff; the reverse path runs PoweredOff ->
PoweringOn -> Reachable -> ServiceStarting -> ServiceActive -> Ready.
Shutdown composes the forward path behind a quorum check. Cluster mutations
are issued through a control-plane peer of the target whenever one is
reachable. No step retries silently except uncordon, which retries the
action-plus-verification pair because the unschedulable flag can lag the
command's reported success.
*/
package lifecycle
