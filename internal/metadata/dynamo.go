package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"clamgate/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient defines the DynamoDB operations used by DynamoStore.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Item attribute names. Caller attributes share the item namespace and are
// written first, so they can never overwrite one of these.
const (
	attrBucket       = "object_bucket"
	attrKey          = "object_key"
	attrFileName     = "file_name"
	attrFileSize     = "file_size"
	attrUploadStatus = "upload_status"
	attrVirusStatus  = "virus_status"
	attrVirusName    = "virus_name"
	attrError        = "error"
	attrModified     = "modified_datetime"
	attrTTL          = "ttl"
)

var reservedAttributes = map[string]bool{
	attrBucket: true, attrKey: true, attrFileName: true, attrFileSize: true,
	attrUploadStatus: true, attrVirusStatus: true, attrVirusName: true,
	attrError: true, attrModified: true, attrTTL: true,
}

// DynamoStore keeps records in a DynamoDB table keyed by object_bucket
// (partition) and object_key (sort). The ttl attribute holds the expiry in
// epoch seconds, as DynamoDB's time to live feature expects.
type DynamoStore struct {
	client DynamoDBClient
	table  string
}

// NewDynamoStore creates a DynamoStore from an AWS configuration.
func NewDynamoStore(cfg aws.Config, table string, endpoint string) *DynamoStore {
	var opts []func(*dynamodb.Options)
	if endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return &DynamoStore{client: dynamodb.NewFromConfig(cfg, opts...), table: table}
}

// NewDynamoStoreWithClient creates a DynamoStore with a custom client.
func NewDynamoStoreWithClient(client DynamoDBClient, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func stringAttr(v string) dbtypes.AttributeValue {
	return &dbtypes.AttributeValueMemberS{Value: v}
}

func numberAttr(v int64) dbtypes.AttributeValue {
	return &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemKey(bucket, key string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		attrBucket: stringAttr(bucket),
		attrKey:    stringAttr(key),
	}
}

func (s *DynamoStore) PutRecord(ctx context.Context, r *ObjectRecord) error {
	item := make(map[string]dbtypes.AttributeValue, len(r.Attributes)+10)
	for name, value := range r.Attributes {
		if reservedAttributes[name] {
			continue
		}
		item[name] = stringAttr(value)
	}

	item[attrBucket] = stringAttr(r.Bucket)
	item[attrKey] = stringAttr(r.Key)
	item[attrFileSize] = numberAttr(r.FileSize)
	item[attrUploadStatus] = stringAttr(string(r.UploadStatus))
	item[attrVirusStatus] = stringAttr(string(r.VirusStatus))
	item[attrModified] = stringAttr(r.ModifiedAt.UTC().Format(time.RFC3339Nano))
	item[attrTTL] = numberAttr(r.ExpiresAt.Unix())
	if r.FileName != "" {
		item[attrFileName] = stringAttr(r.FileName)
	}
	if r.VirusName != "" {
		item[attrVirusName] = stringAttr(r.VirusName)
	}
	if r.ErrorMessage != "" {
		item[attrError] = stringAttr(r.ErrorMessage)
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return &storage.RemoteError{Op: "put item", Bucket: r.Bucket, Key: r.Key, Err: err}
	}
	return nil
}

func (s *DynamoStore) GetRecord(ctx context.Context, bucket string, key string) (*ObjectRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(bucket, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &storage.RemoteError{Op: "get item", Bucket: bucket, Key: key, Err: err}
	}
	if out.Item == nil {
		return nil, ErrRecordNotFound
	}
	return decodeItem(out.Item)
}

func decodeItem(item map[string]dbtypes.AttributeValue) (*ObjectRecord, error) {
	r := &ObjectRecord{Attributes: make(map[string]string)}

	for name, value := range item {
		switch v := value.(type) {
		case *dbtypes.AttributeValueMemberS:
			switch name {
			case attrBucket:
				r.Bucket = v.Value
			case attrKey:
				r.Key = v.Value
			case attrFileName:
				r.FileName = v.Value
			case attrUploadStatus:
				r.UploadStatus = UploadStatus(v.Value)
			case attrVirusStatus:
				r.VirusStatus = VirusStatus(v.Value)
			case attrVirusName:
				r.VirusName = v.Value
			case attrError:
				r.ErrorMessage = v.Value
			case attrModified:
				t, err := time.Parse(time.RFC3339Nano, v.Value)
				if err != nil {
					return nil, fmt.Errorf("invalid %s attribute: %w", attrModified, err)
				}
				r.ModifiedAt = t
			default:
				r.Attributes[name] = v.Value
			}
		case *dbtypes.AttributeValueMemberN:
			n, err := strconv.ParseInt(v.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number attribute %s: %w", name, err)
			}
			switch name {
			case attrFileSize:
				r.FileSize = n
			case attrTTL:
				r.ExpiresAt = time.Unix(n, 0).UTC()
			default:
				r.Attributes[name] = v.Value
			}
		}
	}

	return r, nil
}
