package remediation

import "github.com/oriys/triage/internal/domain"

// DefaultTable 返回内置的分类处置方案表
func DefaultTable() Table {
	return Table{
		domain.CategoryIAM: {
			{
				ID:            "iam-grant-missing-action",
				Title:         "Grant the missing IAM action",
				Rationale:     "The request was rejected by an identity or resource policy; adding the specific denied action restores access with minimal scope.",
				RiskTier:      domain.RiskLow,
				ActionType:    "iam_policy_update",
				EstimatedTime: "30 minutes",
				Steps: []string{
					"Identify the principal and denied action from the error message",
					"Simulate the policy with the IAM policy simulator",
					"Add the least-privilege statement and redeploy",
				},
				AWSServices: []string{"IAM"},
			},
			{
				ID:            "iam-check-trust-policy",
				Title:         "Verify role trust policy and session credentials",
				Rationale:     "Expired tokens or a trust policy that does not allow AssumeRole produce the same denial as a missing permission.",
				RiskTier:      domain.RiskLow,
				ActionType:    "credential_check",
				EstimatedTime: "20 minutes",
				Steps: []string{
					"Check the caller identity with sts get-caller-identity",
					"Confirm the role trust policy lists the calling principal",
					"Rotate or refresh expired credentials",
				},
				AWSServices: []string{"IAM", "STS"},
			},
			{
				ID:              "iam-s3-bucket-policy",
				Title:           "Review the S3 bucket policy",
				Rationale:       "Explicit denies in bucket policies override identity grants.",
				RiskTier:        domain.RiskMedium,
				ActionType:      "policy_update",
				EstimatedTime:   "45 minutes",
				Steps:           []string{"Inspect the bucket policy for explicit Deny statements", "Check VPC endpoint and source IP conditions"},
				AWSServices:     []string{"S3", "IAM"},
				RequiresService: "s3",
			},
		},
		domain.CategoryThrottling: {
			{
				ID:            "throttling-backoff",
				Title:         "Add exponential backoff with jitter",
				Rationale:     "Throttled calls succeed on retry once the request rate drops; jittered backoff avoids synchronized retries.",
				RiskTier:      domain.RiskLow,
				ActionType:    "retry_policy",
				EstimatedTime: "1 hour",
				Steps: []string{
					"Enable the SDK adaptive retry mode",
					"Cap retries and add jitter to the backoff",
					"Alarm on throttled request metrics",
				},
				AWSServices: []string{"CloudWatch"},
			},
			{
				ID:              "throttling-dynamodb-capacity",
				Title:           "Switch the table to on-demand capacity",
				Rationale:       "Provisioned throughput exceptions disappear when capacity follows traffic.",
				RiskTier:        domain.RiskMedium,
				ActionType:      "capacity_scale",
				EstimatedTime:   "30 minutes",
				Steps:           []string{"Review consumed versus provisioned capacity", "Enable on-demand mode or raise auto scaling limits", "Check for hot partition keys"},
				AWSServices:     []string{"DynamoDB"},
				RequiresService: "dynamodb",
			},
			{
				ID:            "throttling-request-increase",
				Title:         "Request an API rate limit increase",
				Rationale:     "Sustained traffic above the account rate limit needs a higher limit rather than retries.",
				RiskTier:      domain.RiskMedium,
				ActionType:    "limit_increase",
				EstimatedTime: "1 day",
				Steps:         []string{"Confirm the throttled API and current limit", "Open a Service Quotas increase request"},
				AWSServices:   []string{"Service Quotas"},
			},
		},
		domain.CategoryTimeout: {
			{
				ID:              "timeout-lambda-tune",
				Title:           "Raise the Lambda timeout and memory",
				Rationale:       "More memory brings proportionally more CPU, and the configured timeout is too tight for the observed duration.",
				RiskTier:        domain.RiskLow,
				ActionType:      "timeout_tune",
				EstimatedTime:   "30 minutes",
				Steps:           []string{"Compare duration metrics with the configured timeout", "Increase memory and timeout", "Keep the timeout below the upstream caller timeout"},
				AWSServices:     []string{"Lambda", "CloudWatch"},
				RequiresService: "lambda",
			},
			{
				ID:            "timeout-dependency-latency",
				Title:         "Investigate downstream dependency latency",
				Rationale:     "Timeouts usually surface a slow dependency rather than a slow caller.",
				RiskTier:      domain.RiskLow,
				ActionType:    "investigation",
				EstimatedTime: "45 minutes",
				Steps:         []string{"Trace the request across services", "Check dependency p99 latency and error rate", "Add client-side timeouts shorter than the caller budget"},
				AWSServices:   []string{"X-Ray", "CloudWatch"},
			},
			{
				ID:            "timeout-async",
				Title:         "Move long-running work to an asynchronous path",
				Rationale:     "Synchronous paths bounded by gateway limits cannot absorb slow jobs.",
				RiskTier:      domain.RiskMedium,
				ActionType:    "architecture_change",
				EstimatedTime: "1 day",
				Steps:         []string{"Queue the work and return immediately", "Expose job status for polling or callbacks"},
				AWSServices:   []string{"SQS", "Step Functions"},
			},
		},
		domain.CategoryQuota: {
			{
				ID:            "quota-request-increase",
				Title:         "Request a service quota increase",
				Rationale:     "The account reached a hard service limit; only a quota increase lifts it.",
				RiskTier:      domain.RiskLow,
				ActionType:    "limit_increase",
				EstimatedTime: "1 day",
				Steps:         []string{"Identify the quota code from the error", "Submit the increase in Service Quotas", "Add a CloudWatch alarm on quota usage"},
				AWSServices:   []string{"Service Quotas", "CloudWatch"},
			},
			{
				ID:              "quota-rds-connection-pooling",
				Title:           "Add connection pooling in front of the database",
				Rationale:       "Connection exhaustion is driven by client fan-out and is solved by pooling, not by a bigger instance.",
				RiskTier:        domain.RiskMedium,
				ActionType:      "connection_pooling",
				EstimatedTime:   "2 hours",
				Steps:           []string{"Enable RDS Proxy for the cluster", "Lower per-client pool sizes", "Monitor DatabaseConnections"},
				AWSServices:     []string{"RDS", "RDS Proxy"},
				RequiresService: "rds",
			},
			{
				ID:            "quota-cleanup-unused",
				Title:         "Release unused resources counted against the quota",
				Rationale:     "Orphaned resources often consume quota that live workloads need.",
				RiskTier:      domain.RiskMedium,
				ActionType:    "cleanup",
				EstimatedTime: "1 hour",
				Steps:         []string{"List resources counted by the quota", "Delete or consolidate unused ones after owner review"},
			},
		},
		domain.CategoryConfig: {
			{
				ID:            "config-validate-parameters",
				Title:         "Fix the invalid parameter or missing setting",
				Rationale:     "The service rejected the request before doing any work, so the input or deployment configuration is wrong.",
				RiskTier:      domain.RiskLow,
				ActionType:    "config_fix",
				EstimatedTime: "1 hour",
				Steps:         []string{"Locate the rejected parameter in the error", "Compare deployed configuration with the expected values", "Add validation to the deployment pipeline"},
				AWSServices:   []string{"CloudFormation", "Systems Manager"},
			},
			{
				ID:              "config-s3-bucket-name",
				Title:           "Verify bucket name, region and key",
				Rationale:       "NoSuchBucket and NoSuchKey point at a wrong name, region or prefix in configuration.",
				RiskTier:        domain.RiskLow,
				ActionType:      "config_fix",
				EstimatedTime:   "20 minutes",
				Steps:           []string{"Check the bucket exists in the expected region", "Confirm the object key and prefix"},
				AWSServices:     []string{"S3"},
				RequiresService: "s3",
			},
			{
				ID:            "config-rollback",
				Title:         "Roll back the last configuration change",
				Rationale:     "A recent change is the most likely source of a new configuration error.",
				RiskTier:      domain.RiskMedium,
				ActionType:    "rollback",
				EstimatedTime: "30 minutes",
				Steps:         []string{"Find the most recent deployment or parameter change", "Roll back and confirm the error stops"},
				AWSServices:   []string{"CodeDeploy", "AppConfig"},
			},
		},
		domain.CategoryScaling: {
			{
				ID:            "scaling-increase-capacity",
				Title:         "Increase capacity or memory limits",
				Rationale:     "The workload exceeded available capacity; raising limits restores service while the root cause is examined.",
				RiskTier:      domain.RiskMedium,
				ActionType:    "capacity_scale",
				EstimatedTime: "30 minutes",
				Steps:         []string{"Check memory and CPU utilization at failure time", "Raise limits or desired count", "Watch for recurrence"},
				AWSServices:   []string{"EC2 Auto Scaling", "CloudWatch"},
			},
			{
				ID:              "scaling-eks-node-group",
				Title:           "Scale the EKS node group",
				Rationale:       "Unschedulable or OOMKilled pods indicate the cluster lacks headroom.",
				RiskTier:        domain.RiskMedium,
				ActionType:      "capacity_scale",
				EstimatedTime:   "45 minutes",
				Steps:           []string{"Inspect pending pods and node pressure", "Raise the node group maximum or enable Karpenter", "Right-size pod requests and limits"},
				AWSServices:     []string{"EKS", "EC2"},
				RequiresService: "eks",
			},
			{
				ID:            "scaling-autoscaling-policy",
				Title:         "Tune the auto scaling policy",
				Rationale:     "Scaling that reacts too late leaves a window of saturation during spikes.",
				RiskTier:      domain.RiskLow,
				ActionType:    "autoscaling_tune",
				EstimatedTime: "1 hour",
				Steps:         []string{"Lower the target utilization", "Shorten cooldowns or add scheduled scaling"},
				AWSServices:   []string{"Application Auto Scaling"},
			},
		},
		domain.CategoryCookbook: {
			{
				ID:            "cookbook-inspect-crash",
				Title:         "Inspect container logs and fix the crash",
				Rationale:     "CrashLoopBackOff and init errors come from the process exiting; the previous container logs show why.",
				RiskTier:      domain.RiskLow,
				ActionType:    "runbook",
				EstimatedTime: "1 hour",
				Steps:         []string{"Read the previous container logs", "Check recent image or config changes", "Verify liveness probe thresholds"},
				AWSServices:   []string{"EKS", "ECS", "CloudWatch Logs"},
			},
			{
				ID:            "cookbook-image-pull",
				Title:         "Fix the image reference or registry access",
				Rationale:     "Image pull failures come from a wrong tag or missing registry permissions on the node role.",
				RiskTier:      domain.RiskLow,
				ActionType:    "runbook",
				EstimatedTime: "30 minutes",
				Steps:         []string{"Confirm the image tag exists in ECR", "Grant ecr:GetAuthorizationToken and pull actions to the node or task role"},
				AWSServices:   []string{"ECR", "IAM"},
			},
			{
				ID:            "cookbook-rollback-release",
				Title:         "Roll back to the last healthy release",
				Rationale:     "Restores service quickly while the failing release is debugged offline.",
				RiskTier:      domain.RiskHigh,
				ActionType:    "rollback",
				EstimatedTime: "20 minutes",
				Steps:         []string{"Identify the last healthy revision", "Roll back the deployment and confirm health checks"},
			},
		},
		domain.CategoryUnknown: {
			{
				ID:            "manual-investigation",
				Title:         "Manual investigation",
				Rationale:     "The log did not match any known failure pattern; an engineer needs to review it.",
				RiskTier:      domain.RiskHigh,
				ActionType:    "investigation",
				EstimatedTime: "2 hours",
				Steps:         []string{"Collect surrounding logs and metrics", "Reproduce the failure", "Add a classification rule once the cause is known"},
			},
		},
	}
}
