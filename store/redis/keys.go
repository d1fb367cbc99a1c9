package redis

// All keys are prefixed with "bed:" to avoid collisions.
const keyPrefix = "bed:"

// taskKeyPrefix returns the prefix of every task hash in a partition.
// The scripts append the task id to it.
func taskKeyPrefix(partition string) string { return keyPrefix + "task:" + partition + ":" }

// taskKey returns the key for a task hash: bed:task:{partition}:{id}
func taskKey(partition, id string) string { return taskKeyPrefix(partition) + id }

// partitionKey is the Set of every task id in a partition.
func partitionKey(partition string) string { return keyPrefix + "tasks:" + partition }

// resourceKey is the Set of task ids of one resource in a partition.
func resourceKey(partition, resource string) string {
	return keyPrefix + "resource:" + partition + ":" + resource
}
