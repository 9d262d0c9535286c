package remediation

import "github.com/oriys/triage/internal/domain"

// ========== 示例代码 ==========

// Snippets 返回方案类型对应的示例 Terraform 与 AWS CLI。
// 只生成最小的、非破坏性的片段，占位符用 <name> 或 var.* 表示。
// 调查、回滚、手册类方案没有通用片段，返回 false。
func Snippets(actionType string) (domain.CodeSnippet, bool) {
	switch actionType {
	case "iam_policy_update", "policy_update":
		return domain.CodeSnippet{
			Terraform: tfBucketPolicy,
			CLI:       "# Apply with aws s3api put-bucket-policy using a JSON document matching the Terraform above",
		}, true
	case "credential_check":
		return domain.CodeSnippet{
			CLI: "aws sts get-caller-identity\n" +
				"aws iam get-role --role-name <role-name> --query Role.AssumeRolePolicyDocument",
		}, true
	case "capacity_scale", "autoscaling_tune":
		return domain.CodeSnippet{
			Terraform: tfAutoScalingGroup,
			CLI:       "aws autoscaling set-desired-capacity --auto-scaling-group-name <asg-name> --desired-capacity 4",
		}, true
	case "retry_policy":
		return domain.CodeSnippet{
			Terraform: "# Retry policy is an application-level change; enable SDK adaptive retries with jittered backoff",
			CLI:       "export AWS_RETRY_MODE=adaptive\nexport AWS_MAX_ATTEMPTS=5",
		}, true
	case "timeout_tune":
		return domain.CodeSnippet{
			Terraform: tfLambdaTimeout,
			CLI:       "aws lambda update-function-configuration --function-name <name> --timeout 30 --memory-size 1024",
		}, true
	case "limit_increase":
		return domain.CodeSnippet{
			Terraform: "# Use aws_servicequotas_service_quota where the quota is supported",
			CLI:       "aws service-quotas request-service-quota-increase --service-code <svc> --quota-code <code> --desired-value <n>",
		}, true
	case "config_fix":
		return domain.CodeSnippet{
			Terraform: tfProviderRegion,
			CLI:       "# Validate the resource exists in the configured region; adjust ARNs and IDs",
		}, true
	}
	return domain.CodeSnippet{}, false
}

const tfBucketPolicy = `# Minimal S3 bucket policy allowing GetObject to a specific principal
resource "aws_s3_bucket_policy" "allow_getobject" {
  bucket = var.bucket_name
  policy = jsonencode({
    Version = "2012-10-17",
    Statement = [{
      Sid       = "AllowGetObject",
      Effect    = "Allow",
      Principal = { AWS = var.principal_arn },
      Action    = ["s3:GetObject"],
      Resource  = "arn:aws:s3:::${var.bucket_name}/*"
    }]
  })
}
# Variables: bucket_name, principal_arn
`

const tfAutoScalingGroup = `# Increase Auto Scaling group desired capacity
resource "aws_autoscaling_group" "app" {
  name             = var.asg_name
  min_size         = 2
  max_size         = 8
  desired_capacity = 4
  launch_template {
    id      = var.lt_id
    version = "$Latest"
  }
}
# Variables: asg_name, lt_id
`

const tfLambdaTimeout = `# Tune Lambda timeout and memory
resource "aws_lambda_function" "fn" {
  function_name = var.fn_name
  role          = var.fn_role_arn
  handler       = "app.handler"
  runtime       = "python3.12"
  timeout       = 30
  memory_size   = 1024
  filename      = "build.zip"
}
# Variables: fn_name, fn_role_arn
`

const tfProviderRegion = `# Pin the provider region the resource lives in
provider "aws" {
  region = var.region
}

variable "region" {
  type    = string
  default = "us-east-1"
}
`
