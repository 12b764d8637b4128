/*
Package cluster talks to the batch scheduler's CLI through the remote
executor and turns its columnar queue output into typed job records.

The only scheduler contract consumed is a queue listing of

	JobID Name State NodeList TimeLeft TimeLimit NumCPUs MinMemory StartTime

filterable by --user and --name, a submit command whose stdout names the new
job id, and a cancel-by-id command. Any batch system exposing that contract
plugs in.

One GetAllJobs call covers every IDE job name for a user on a cluster; a
short-TTL cache of those reads backs the cluster-status endpoint so page
loads do not fan out into scheduler calls.
*/
package cluster
