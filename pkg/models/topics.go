package models

import "strings"

// Subscription patterns the engine consumes. Topics are slash-separated;
// "+" matches exactly one segment.
const (
	TopicDriverLocations = "drivers/+/location"
	TopicDriverStatuses  = "drivers/+/status"
	TopicTaxiBookings    = "taxi/bookings"
	TopicPubRequests     = "pubs/requests/+"
	TopicJobBids         = "jobs/+/bid"
	TopicJobResponses    = "jobs/+/response"
)

// TopicDriverBidRequest addresses one driver's solicitation inbox.
func TopicDriverBidRequest(driverID string) string {
	return "drivers/" + driverID + "/bid-request"
}

// TopicDriverJobs addresses one driver's allocation inbox.
func TopicDriverJobs(driverID string) string {
	return "drivers/" + driverID + "/jobs"
}

// TopicPubRequest is the job-scoped solicitation topic, the second half of
// the dual-format publish.
func TopicPubRequest(jobID string) string {
	return "pubs/requests/" + jobID
}

// TopicJobBid is where drivers answer a solicitation for one job.
func TopicJobBid(jobID string) string {
	return "jobs/" + jobID + "/bid"
}

// TopicJobResponse is where the allocated driver reports completion or
// cancellation of one job.
func TopicJobResponse(jobID string) string {
	return "jobs/" + jobID + "/response"
}

// TopicJobAllocated announces a job's winning assignment.
func TopicJobAllocated(jobID string) string {
	return "jobs/" + jobID + "/allocated"
}

// TopicJobStatus carries job lifecycle changes and admission rejections.
func TopicJobStatus(jobID string) string {
	return "jobs/" + jobID + "/status"
}

// TopicJobResult carries one driver's personal outcome (won or lost).
func TopicJobResult(jobID, driverID string) string {
	return "jobs/" + jobID + "/result/" + driverID
}

// TopicSegment returns the i-th slash segment of a topic, "" when the topic
// has no such segment.
func TopicSegment(topic string, i int) string {
	parts := strings.Split(topic, "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
